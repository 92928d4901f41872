package relay

import (
	"encoding/binary"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"go.dedis.ch/protobuf"
	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/store"
	"golang.org/x/xerrors"
)

// Kinds of responses recorded against a message.
const (
	ResponseSecretRecoveryMessages = "secret_recovery_messages"
	ResponseFailureMessages        = "failure_messages"
	ResponseComplaints             = "complaints"
	ResponseAuditMessages          = "audit_messages"
)

// Flags set on messages.
const (
	FlagBadQuarterHolderFound = "bad_quarter_holder_found"
	FlagDurationElapsed       = "duration_without_response"
)

const (
	propertyMessage  = "msg"
	propertyType     = "type"
	propertyRejected = "rejected"
	propertyCounter  = "counter"
	locationPrefix   = "messages/"
	decodedCacheSize = 1024
)

var counterObject = []byte("messagestore")

type hashList struct {
	Hashes []Hash
}

// MessageStore keeps every message by its hash, together with what the
// handlers learn about it. Writes made after a Checkpoint can be undone.
type MessageStore struct {
	sync.Mutex
	suite   relaycustody.Suite
	db      store.Store
	decoded *lru.Cache
	counter uint64

	checkpoints int
	journal     []func() error
}

// NewMessageStore returns a store keeping the messages in db.
func NewMessageStore(suite relaycustody.Suite, db store.Store) (*MessageStore, error) {
	cache, err := lru.New(decodedCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating cache: %v", err)
	}
	ms := &MessageStore{suite: suite, db: db, decoded: cache}
	buf, err := db.Get(counterObject, propertyCounter)
	if err == nil && len(buf) == 8 {
		ms.counter = binary.BigEndian.Uint64(buf)
	}
	return ms, nil
}

// Store keeps msg and returns its hash. Storing a message twice is a no-op.
func (ms *MessageStore) Store(msg Message) (Hash, error) {
	buf, err := Encode(msg)
	if err != nil {
		return Hash{}, err
	}
	h := HashBytes(buf)
	ms.Lock()
	defer ms.Unlock()
	if ok, _ := ms.db.Has(h[:], propertyMessage); ok {
		return h, nil
	}
	if err := ms.put(h[:], propertyMessage, buf); err != nil {
		return Hash{}, xerrors.Errorf("storing message: %v", err)
	}
	if err := ms.put(h[:], propertyType, []byte(msg.Type())); err != nil {
		return Hash{}, xerrors.Errorf("storing type: %v", err)
	}
	old := ms.counter
	ms.record(func() error {
		ms.counter = old
		return nil
	})
	ms.counter++
	var cnt [8]byte
	binary.BigEndian.PutUint64(cnt[:], ms.counter)
	if err := ms.put(counterObject, propertyCounter, cnt[:]); err != nil {
		return Hash{}, xerrors.Errorf("storing counter: %v", err)
	}
	location := locationPrefix + msg.Type()
	ms.record(func() error {
		return ms.db.RemoveLocation(h[:], location)
	})
	if err := ms.db.SetLocation(h[:], location, ms.counter); err != nil {
		return Hash{}, xerrors.Errorf("listing message: %v", err)
	}
	ms.record(func() error {
		ms.decoded.Remove(h)
		return nil
	})
	ms.decoded.Add(h, msg)
	return h, nil
}

// Checkpoint starts recording the writes to the store. Checkpoints nest,
// and each one is closed by either RollBack or Release with the returned
// mark.
func (ms *MessageStore) Checkpoint() int {
	ms.Lock()
	defer ms.Unlock()
	ms.checkpoints++
	return len(ms.journal)
}

// RollBack undoes the writes made since the checkpoint, newest first.
func (ms *MessageStore) RollBack(mark int) error {
	ms.Lock()
	defer ms.Unlock()
	var result *multierror.Error
	for i := len(ms.journal) - 1; i >= mark; i-- {
		if err := ms.journal[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	ms.journal = ms.journal[:mark]
	ms.release()
	return result.ErrorOrNil()
}

// Release keeps the writes made since the checkpoint. They can still be
// undone by rolling back an enclosing checkpoint.
func (ms *MessageStore) Release(mark int) {
	ms.Lock()
	defer ms.Unlock()
	ms.release()
}

func (ms *MessageStore) release() {
	if ms.checkpoints > 0 {
		ms.checkpoints--
	}
	if ms.checkpoints == 0 {
		ms.journal = nil
	}
}

// record keeps undo for as long as a checkpoint is open. Called with ms
// locked.
func (ms *MessageStore) record(undo func() error) {
	if ms.checkpoints > 0 {
		ms.journal = append(ms.journal, undo)
	}
}

// put writes value, recording how to restore what was there before.
// Called with ms locked.
func (ms *MessageStore) put(object []byte, property string, value []byte) error {
	if ms.checkpoints > 0 {
		key := append([]byte{}, object...)
		if old, err := ms.db.Get(key, property); err == nil {
			old = append([]byte{}, old...)
			ms.record(func() error { return ms.db.Put(key, property, old) })
		} else {
			ms.record(func() error { return ms.db.Delete(key, property) })
		}
	}
	return ms.db.Put(object, property, value)
}

// Has returns true if the message is stored.
func (ms *MessageStore) Has(h Hash) bool {
	ok, err := ms.db.Has(h[:], propertyMessage)
	return err == nil && ok
}

// Get returns the stored message. The result is shared, callers must not
// modify it.
func (ms *MessageStore) Get(h Hash) (Message, error) {
	if msg, ok := ms.decoded.Get(h); ok {
		return msg.(Message), nil
	}
	buf, err := ms.db.Get(h[:], propertyMessage)
	if err != nil {
		return nil, xerrors.Errorf("message %v: %w", h, err)
	}
	msg, err := Decode(ms.suite, buf)
	if err != nil {
		return nil, err
	}
	ms.decoded.Add(h, msg)
	return msg, nil
}

// Type returns the type tag of the stored message, or "".
func (ms *MessageStore) Type(h Hash) string {
	buf, err := ms.db.Get(h[:], propertyType)
	if err != nil {
		return ""
	}
	return string(buf)
}

// List returns the hashes of the stored messages of type tag, oldest first.
func (ms *MessageStore) List(tag string) ([]Hash, error) {
	var out []Hash
	err := ms.db.IterateByLocation(locationPrefix+tag, 0, ^uint64(0), func(object []byte, _ uint64) error {
		var h Hash
		copy(h[:], object)
		out = append(out, h)
		return nil
	})
	return out, err
}

// Reject marks the message as rejected.
func (ms *MessageStore) Reject(h Hash) error {
	ms.Lock()
	defer ms.Unlock()
	return ms.put(h[:], propertyRejected, []byte{1})
}

// IsRejected returns true if Reject has been called for h.
func (ms *MessageStore) IsRejected(h Hash) bool {
	ok, err := ms.db.Has(h[:], propertyRejected)
	return err == nil && ok
}

// RecordResponse appends response to the list of kind kept for message,
// unless it is already there.
func (ms *MessageStore) RecordResponse(response, message Hash, kind string) error {
	ms.Lock()
	defer ms.Unlock()
	list := ms.responses(message, kind)
	if containsHash(list, response) {
		return nil
	}
	buf, err := protobuf.Encode(&hashList{Hashes: append(list, response)})
	if err != nil {
		return xerrors.Errorf("encoding responses: %v", err)
	}
	return ms.put(message[:], "responses/"+kind, buf)
}

// Responses returns the responses of kind recorded for message.
func (ms *MessageStore) Responses(message Hash, kind string) []Hash {
	ms.Lock()
	defer ms.Unlock()
	return ms.responses(message, kind)
}

func (ms *MessageStore) responses(message Hash, kind string) []Hash {
	buf, err := ms.db.Get(message[:], "responses/"+kind)
	if err != nil {
		return nil
	}
	var list hashList
	if err := protobuf.Decode(buf, &list); err != nil {
		return nil
	}
	return list.Hashes
}

// SetFlag sets the named flag on a message.
func (ms *MessageStore) SetFlag(h Hash, name string) error {
	ms.Lock()
	defer ms.Unlock()
	return ms.put(h[:], "flag/"+name, []byte{1})
}

// Flag returns whether the named flag is set.
func (ms *MessageStore) Flag(h Hash, name string) bool {
	ok, err := ms.db.Has(h[:], "flag/"+name)
	return err == nil && ok
}

// GetRelayJoinMessage and friends return the stored message of that type.

func (ms *MessageStore) GetRelayJoinMessage(h Hash) (*RelayJoinMessage, error) {
	msg, err := ms.getTyped(h, TypeRelayJoin)
	if err != nil {
		return nil, err
	}
	return msg.(*RelayJoinMessage), nil
}

func (ms *MessageStore) GetKeyDistributionMessage(h Hash) (*KeyDistributionMessage, error) {
	msg, err := ms.getTyped(h, TypeKeyDistribution)
	if err != nil {
		return nil, err
	}
	return msg.(*KeyDistributionMessage), nil
}

func (ms *MessageStore) GetObituary(h Hash) (*Obituary, error) {
	msg, err := ms.getTyped(h, TypeObituary)
	if err != nil {
		return nil, err
	}
	return msg.(*Obituary), nil
}

func (ms *MessageStore) GetSecretRecoveryMessage(h Hash) (*SecretRecoveryMessage, error) {
	msg, err := ms.getTyped(h, TypeSecretRecovery)
	if err != nil {
		return nil, err
	}
	return msg.(*SecretRecoveryMessage), nil
}

func (ms *MessageStore) GetSecretRecoveryFailureMessage(h Hash) (*SecretRecoveryFailureMessage, error) {
	msg, err := ms.getTyped(h, TypeSecretRecoveryFailure)
	if err != nil {
		return nil, err
	}
	return msg.(*SecretRecoveryFailureMessage), nil
}

func (ms *MessageStore) GetGoodbyeMessage(h Hash) (*GoodbyeMessage, error) {
	msg, err := ms.getTyped(h, TypeGoodbye)
	if err != nil {
		return nil, err
	}
	return msg.(*GoodbyeMessage), nil
}

func (ms *MessageStore) getTyped(h Hash, tag string) (Message, error) {
	msg, err := ms.Get(h)
	if err != nil {
		return nil, err
	}
	if msg.Type() != tag {
		return nil, xerrors.Errorf("message %v is a %s, not a %s", h, msg.Type(), tag)
	}
	return msg, nil
}
