package relay

import (
	"fmt"

	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/store"
)

// Data is what every relay operation works on: the group, the directory,
// the messages seen so far and the secrets known locally.
type Data struct {
	Suite    relaycustody.Suite
	State    *RelayState
	Messages *MessageStore
	Keys     *KeyStore
}

// NewData returns a context with an empty directory whose messages and
// keys are kept in db.
func NewData(suite relaycustody.Suite, db store.Store) (*Data, error) {
	msgs, err := NewMessageStore(suite, db)
	if err != nil {
		return nil, err
	}
	return &Data{
		Suite:    suite,
		State:    NewRelayState(),
		Messages: msgs,
		Keys:     NewKeyStore(suite, db),
	}, nil
}

// RelayStateError is returned when processing a message would break the
// directory, typically because something it refers to doesn't resolve.
// Such a message must be dropped.
type RelayStateError struct {
	msg string
}

func (e *RelayStateError) Error() string {
	return "relay state: " + e.msg
}

func stateError(format string, args ...interface{}) error {
	return &RelayStateError{msg: fmt.Sprintf(format, args...)}
}
