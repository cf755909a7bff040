package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/crypto"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/storage"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

type readyRecorder struct {
	mu       sync.Mutex
	ready    []string
	failures []error
}

func (r *readyRecorder) callbacks() ChannelCallbacks {
	return ChannelCallbacks{
		OnReady: func(fp string) {
			r.mu.Lock()
			r.ready = append(r.ready, fp)
			r.mu.Unlock()
		},
		OnFailed: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

func (r *readyRecorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ready...), append([]error(nil), r.failures...)
}

// feedChannel delivers decoded text envelopes to c
func feedChannel(c *Channel) transport.Handlers {
	return transport.Handlers{OnData: func(frame protocol.Frame) {
		text, ok := frame.(protocol.TextFrame)
		if !ok {
			return
		}
		env, err := protocol.DecodeEnvelope([]byte(text))
		if err != nil {
			return
		}
		c.HandleEnvelope(env)
	}}
}

type channelEnd struct {
	channel *Channel
	store   *storage.MemoryStore
	rec     *readyRecorder
}

// channelPair connects two channels over an in-memory pipe
func channelPair(t *testing.T, cfg *config.Config) (*channelEnd, *channelEnd) {
	t.Helper()
	near, far := transport.NewPipe("alice", "bob")
	t.Cleanup(func() { near.Close() })

	newEnd := func(tr transport.Transport) *channelEnd {
		end := &channelEnd{store: storage.NewMemoryStore(), rec: &readyRecorder{}}
		sender := transport.NewSafeSender(tr, quietLogger())
		end.channel = NewChannel(crypto.NewX25519Provider(), sender, end.store, cfg, quietLogger())
		end.channel.SetCallbacks(end.rec.callbacks())
		tr.SetHandlers(feedChannel(end.channel))
		return end
	}

	return newEnd(near), newEnd(far)
}

func waitReady(t *testing.T, c *Channel) {
	t.Helper()
	require.Eventually(t, c.IsReady, waitTimeout, 5*time.Millisecond)
}

func TestChannelKeyExchange(t *testing.T) {
	initiator, responder := channelPair(t, testConfig())

	_, err := responder.channel.Initialize(true, false)
	require.NoError(t, err)
	assert.Equal(t, EncryptionWaitingPeer, responder.channel.Status())

	pub, err := initiator.channel.Initialize(true, true)
	require.NoError(t, err)
	assert.NotEmpty(t, pub)

	waitReady(t, initiator.channel)
	waitReady(t, responder.channel)

	secretA := initiator.channel.SharedSecret()
	secretB := responder.channel.SharedSecret()
	require.Len(t, secretA, 32)
	assert.Equal(t, secretA, secretB)
	assert.Equal(t, initiator.channel.Fingerprint(), responder.channel.Fingerprint())

	for _, end := range []*channelEnd{initiator, responder} {
		assert.Equal(t, EncryptionReady, end.channel.Status())
		assert.Equal(t, ReadyConfirmed, end.channel.ReadyFlag())
		assert.Equal(t, "confirmed", end.store.GetString(storage.KeyEncryptionReady, ""))

		ready, failures := end.rec.snapshot()
		assert.Equal(t, []string{end.channel.Fingerprint()}, ready)
		assert.Empty(t, failures)
	}

	env, err := initiator.channel.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeEncryptedMessage, env.Type)

	plaintext, err := responder.channel.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestChannelKeyBeforeInitialize(t *testing.T) {
	initiator, responder := channelPair(t, testConfig())

	_, err := initiator.channel.Initialize(true, true)
	require.NoError(t, err)

	// Let the initiator's key land on the uninitialized responder
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, responder.channel.SharedSecret())

	_, err = responder.channel.Initialize(true, false)
	require.NoError(t, err)

	waitReady(t, initiator.channel)
	waitReady(t, responder.channel)
	assert.Equal(t, initiator.channel.SharedSecret(), responder.channel.SharedSecret())
}

func TestChannelDisabled(t *testing.T) {
	end, _ := channelPair(t, testConfig())

	pub, err := end.channel.Initialize(false, true)
	require.NoError(t, err)
	assert.Empty(t, pub)

	assert.True(t, end.channel.IsReady())
	assert.Equal(t, EncryptionDisabled, end.channel.Status())
	assert.Nil(t, end.channel.SharedSecret())
	assert.Empty(t, end.channel.Fingerprint())

	_, err = end.channel.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNoSharedSecret)
}

func TestChannelRepeatedKeyIgnored(t *testing.T) {
	initiator, responder := channelPair(t, testConfig())

	responder.channel.Initialize(true, false)
	initiator.channel.Initialize(true, true)
	waitReady(t, responder.channel)

	before := responder.channel.SharedSecret()

	other, err := crypto.NewX25519Provider().GenerateKeyPair()
	require.NoError(t, err)
	responder.channel.HandleKeyExchange(crypto.EncodePublicKey(other.Public[:]))

	assert.Equal(t, before, responder.channel.SharedSecret())
	assert.Equal(t, EncryptionReady, responder.channel.Status())
}

func TestChannelEarlyPeerReady(t *testing.T) {
	sender, _, sink := newSink(t)
	store := storage.NewMemoryStore()
	c := NewChannel(crypto.NewX25519Provider(), sender, store, testConfig(), quietLogger())

	_, err := c.Initialize(true, false)
	require.NoError(t, err)

	// EncryptionReady overtakes the key
	assert.True(t, c.HandleEnvelope(protocol.NewEncryptionReady()))
	assert.False(t, c.IsReady())

	peer, err := crypto.NewX25519Provider().GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, c.HandleEnvelope(protocol.NewHandshakeKey(crypto.EncodePublicKey(peer.Public[:]), true)))

	assert.True(t, c.IsReady())

	reply := sink.waitFor(t, protocol.MsgTypeHandshakeKey)
	assert.False(t, reply.IsInitiator)
	sink.waitFor(t, protocol.MsgTypeEncryptionReady)
	sink.waitFor(t, protocol.MsgTypeEncryptionReadyResponse)
	assert.Equal(t, 1, sink.count(protocol.MsgTypeEncryptionReady))
}

func TestChannelReadyResponseRequiresSent(t *testing.T) {
	sender, _, _ := newSink(t)
	c := NewChannel(crypto.NewX25519Provider(), sender, storage.NewMemoryStore(), testConfig(), quietLogger())

	_, err := c.Initialize(true, false)
	require.NoError(t, err)

	c.HandleEnvelope(protocol.NewEncryptionReadyResponse())
	assert.False(t, c.IsReady())
	assert.Equal(t, ReadyNotSent, c.ReadyFlag())
}

func TestChannelFailsAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEncryptionRetries = 2
	sender, _, _ := newSink(t)
	c := NewChannel(crypto.NewX25519Provider(), sender, storage.NewMemoryStore(), cfg, quietLogger())
	rec := &readyRecorder{}
	c.SetCallbacks(rec.callbacks())

	_, err := c.Initialize(true, false)
	require.NoError(t, err)

	c.HandleKeyExchange("not a key")

	require.Eventually(t, func() bool {
		return c.Status() == EncryptionFailed
	}, waitTimeout, 5*time.Millisecond)

	ready, failures := rec.snapshot()
	assert.Empty(t, ready)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrEncryptionFailed)
	assert.Nil(t, c.SharedSecret())
}

func TestChannelReset(t *testing.T) {
	initiator, responder := channelPair(t, testConfig())

	responder.channel.Initialize(true, false)
	initiator.channel.Initialize(true, true)
	waitReady(t, initiator.channel)
	waitReady(t, responder.channel)
	first := initiator.channel.Fingerprint()

	initiator.channel.Reset()
	responder.channel.Reset()

	assert.Nil(t, initiator.channel.SharedSecret())
	assert.Equal(t, ReadyNotSent, initiator.channel.ReadyFlag())
	assert.Equal(t, "none", initiator.store.GetString(storage.KeyEncryptionReady, "none"))

	responder.channel.Initialize(true, false)
	initiator.channel.Initialize(true, true)
	waitReady(t, initiator.channel)
	waitReady(t, responder.channel)

	assert.NotEqual(t, first, initiator.channel.Fingerprint())
	assert.Equal(t, initiator.channel.SharedSecret(), responder.channel.SharedSecret())
}

func TestDecryptTampered(t *testing.T) {
	initiator, responder := channelPair(t, testConfig())

	responder.channel.Initialize(true, false)
	initiator.channel.Initialize(true, true)
	waitReady(t, initiator.channel)
	waitReady(t, responder.channel)

	env, err := initiator.channel.Encrypt([]byte("secret"))
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xff

	plaintext, err := responder.channel.Decrypt(env)
	assert.Error(t, err)
	assert.Nil(t, plaintext)
}

func TestReadyFlagPersistedForm(t *testing.T) {
	for _, flag := range []ReadyFlag{ReadyNotSent, ReadySent, ReadyConfirmed} {
		assert.Equal(t, flag, ParseReadyFlag(flag.String()))
	}
	assert.Equal(t, ReadyNotSent, ParseReadyFlag("garbage"))
}
