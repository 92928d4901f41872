package handler

import (
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/relay"
)

// PerformInheritedTasks has the local relays send the recovery messages
// they owe as the successor of a dead quarter holder. Once the succession
// of the quarter holder completed, the dead relay lists its successor as
// quarter holder, and the obituary task moved over with the exit.
func (s *SuccessionHandler) PerformInheritedTasks() error {
	d := s.h.Data
	type task struct {
		holder   uint64
		obituary relay.Hash
	}
	var todo []task
	for _, r := range d.State.Relays {
		if r.IsDead() || !s.h.isLocal(r) {
			continue
		}
		for _, t := range r.Tasks {
			if d.Messages.Type(t) == relay.TypeObituary {
				todo = append(todo, task{r.Number, t})
			}
		}
	}

	for _, t := range todo {
		ob, err := d.Messages.GetObituary(t.obituary)
		if err != nil {
			log.Error("inherited task:", err)
			continue
		}
		dead := d.State.GetRelayByNumber(ob.DeadRelayNumber)
		if dead == nil || dead.Hashes.ObituaryHash != t.obituary || dead.CurrentSuccessorNumber == 0 ||
			!dead.IsKeyQuarterHolder(t.holder) || s.h.sentRecoveryMessage(t.obituary, t.holder) {
			continue
		}
		log.Lvlf2("relay %d sends the recovery message it inherited for relay %d", t.holder, dead.Number)
		s.sendSecretRecoveryMessage(dead.Number, t.holder)
		s.h.schedule(TaskObituary, t.obituary)
	}
	return nil
}
