package relay

import (
	"reflect"
	"sort"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/protobuf"
	"go.dedis.ch/relaycustody"
	"golang.org/x/xerrors"
)

// EncodingVersion is written in front of every encoded message.
const EncodingVersion = 1

// Message is implemented by every protocol message. The type tag is what
// the message handler dispatches on.
type Message interface {
	Type() string
}

type signedMessage interface {
	Message
	signature() *[]byte
}

var messageConstructors = map[string]func() Message{
	TypeRelayJoin:                        func() Message { return &RelayJoinMessage{} },
	TypeKeyDistribution:                  func() Message { return &KeyDistributionMessage{} },
	TypeKeyDistributionComplaint:         func() Message { return &KeyDistributionComplaint{} },
	TypeObituary:                         func() Message { return &Obituary{} },
	TypeSecretRecovery:                   func() Message { return &SecretRecoveryMessage{} },
	TypeSecretRecoveryComplaint:          func() Message { return &SecretRecoveryComplaint{} },
	TypeSecretRecoveryFailure:            func() Message { return &SecretRecoveryFailureMessage{} },
	TypeRecoveryFailureAudit:             func() Message { return &RecoveryFailureAuditMessage{} },
	TypeGoodbye:                          func() Message { return &GoodbyeMessage{} },
	TypeGoodbyeComplaint:                 func() Message { return &GoodbyeComplaint{} },
	TypeSuccessionCompleted:              func() Message { return &SuccessionCompletedMessage{} },
	TypeDurationWithoutResponse:          func() Message { return &DurationWithoutResponse{} },
	TypeDurationWithoutResponseFromRelay: func() Message { return &DurationWithoutResponseFromRelay{} },
	TypeRelayExit:                        func() Message { return &RelayExit{} },
}

var typeByID = map[uuid.UUID]string{}

func init() {
	for tag := range messageConstructors {
		typeByID[typeID(tag)] = tag
	}
}

// MessageTypes returns the tags of all known messages, sorted.
func MessageTypes() []string {
	tags := make([]string, 0, len(messageConstructors))
	for tag := range messageConstructors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// typeID is derived from the tag the way onet derives its message types.
func typeID(tag string) uuid.UUID {
	return uuid.NewV5(uuid.NamespaceURL, tag)
}

type envelope struct {
	Version uint32
	Type    []byte
	Payload []byte
}

// Constructors returns what protobuf needs to decode the points and
// scalars of suite.
func Constructors(suite relaycustody.Suite) protobuf.Constructors {
	var p kyber.Point
	var s kyber.Scalar
	return protobuf.Constructors{
		reflect.TypeOf(&p).Elem(): func() interface{} { return suite.Point() },
		reflect.TypeOf(&s).Elem(): func() interface{} { return suite.Scalar() },
	}
}

// Encode returns the versioned encoding of msg, which is also what its
// hash is taken of.
func Encode(msg Message) ([]byte, error) {
	if _, ok := messageConstructors[msg.Type()]; !ok {
		return nil, xerrors.Errorf("unknown message type %q", msg.Type())
	}
	payload, err := protobuf.Encode(msg)
	if err != nil {
		return nil, xerrors.Errorf("encoding %s: %v", msg.Type(), err)
	}
	return protobuf.Encode(&envelope{
		Version: EncodingVersion,
		Type:    typeID(msg.Type()).Bytes(),
		Payload: payload,
	})
}

// Decode returns the message encoded in buf.
func Decode(suite relaycustody.Suite, buf []byte) (Message, error) {
	var env envelope
	if err := protobuf.Decode(buf, &env); err != nil {
		return nil, xerrors.Errorf("decoding envelope: %v", err)
	}
	if env.Version != EncodingVersion {
		return nil, xerrors.Errorf("unknown encoding version %d", env.Version)
	}
	id, err := uuid.FromBytes(env.Type)
	if err != nil {
		return nil, xerrors.Errorf("bad type id: %v", err)
	}
	tag, ok := typeByID[id]
	if !ok {
		return nil, xerrors.Errorf("unknown type id %s", id)
	}
	msg := messageConstructors[tag]()
	if err := protobuf.DecodeWithConstructors(env.Payload, msg, Constructors(suite)); err != nil {
		return nil, xerrors.Errorf("decoding %s: %v", tag, err)
	}
	return msg, nil
}

// MessageHash returns the identity of msg: the hash of its encoding,
// signature included.
func MessageHash(msg Message) (Hash, error) {
	buf, err := Encode(msg)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(buf), nil
}

// HashOf is MessageHash for the messages of this package, which always
// encode. It panics on anything else.
func HashOf(msg Message) Hash {
	h, err := MessageHash(msg)
	if err != nil {
		panic(xerrors.Errorf("hashing %T: %v", msg, err))
	}
	return h
}

func signingHash(msg signedMessage) Hash {
	sig := msg.signature()
	saved := *sig
	*sig = nil
	h := HashOf(msg)
	*sig = saved
	return h
}

func signWith(d *Data, msg signedMessage, pub kyber.Point) error {
	if pub == nil {
		return xerrors.New("no signing key")
	}
	priv, ok := d.Keys.Get(pub)
	if !ok {
		return xerrors.Errorf("private key of %v is unknown", pub)
	}
	h := signingHash(msg)
	sig, err := schnorr.Sign(d.Suite, priv, h[:])
	if err != nil {
		return xerrors.Errorf("signing %s: %v", msg.Type(), err)
	}
	*msg.signature() = sig
	return nil
}

func verifyWith(suite relaycustody.Suite, msg signedMessage, pub kyber.Point) error {
	if pub == nil {
		return xerrors.New("no verification key")
	}
	h := signingHash(msg)
	if err := schnorr.Verify(suite, pub, h[:], *msg.signature()); err != nil {
		return xerrors.Errorf("signature of %s: %v", msg.Type(), err)
	}
	return nil
}
