package sched

import (
	"io"
	"sort"

	yaml "github.com/goccy/go-yaml"
)

// TaskDump is one task as written by Dump.
type TaskDump struct {
	ID       uint64 `yaml:"id"`
	Handle   string `yaml:"handle"`
	Kind     string `yaml:"kind"`
	Deadline string `yaml:"deadline"`
	FD       *int   `yaml:"fd,omitempty"`
	PID      int    `yaml:"pid,omitempty"`
	Status   int    `yaml:"status,omitempty"`
	Value    int    `yaml:"value,omitempty"`
	Close    bool   `yaml:"close_on_retire,omitempty"`
}

// RegistrationDump is one fd registration as written by Dump.
type RegistrationDump struct {
	FD    int    `yaml:"fd"`
	Read  uint64 `yaml:"read,omitempty"`
	Write uint64 `yaml:"write,omitempty"`
}

// Snapshot is the scheduler state written by Dump.
type Snapshot struct {
	State         string             `yaml:"state"`
	Now           string             `yaml:"now"`
	ShuttingDown  bool               `yaml:"shutting_down"`
	Read          []TaskDump         `yaml:"read"`
	Write         []TaskDump         `yaml:"write"`
	Timer         []TaskDump         `yaml:"timer"`
	Child         []TaskDump         `yaml:"child"`
	Ready         []TaskDump         `yaml:"ready"`
	Registrations []RegistrationDump `yaml:"registrations"`
	Stats         Stats              `yaml:"stats"`
}

// Snapshot collects the contents of every index, in the order they would fire.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		State:        s.state.String(),
		Now:          s.clock.Now().String(),
		ShuttingDown: s.shuttingDown,
		Read:         s.dumpIndex(s.readWait),
		Write:        s.dumpIndex(s.writeWait),
		Timer:        s.dumpIndex(s.timerWait),
		Child:        s.dumpIndex(s.childWait),
		Stats:        s.Stats(),
	}
	for _, e := range s.ready.entries() {
		if s.readyValid(e) {
			snap.Ready = append(snap.Ready, s.dumpTask(e.h))
		}
	}
	for fd, reg := range s.io {
		rd := RegistrationDump{FD: fd}
		if t := s.arena.get(reg.read); t != nil {
			rd.Read = t.id
		}
		if t := s.arena.get(reg.write); t != nil {
			rd.Write = t.id
		}
		snap.Registrations = append(snap.Registrations, rd)
	}
	sort.Slice(snap.Registrations, func(i, j int) bool {
		return snap.Registrations[i].FD < snap.Registrations[j].FD
	})
	return snap
}

// Dump writes Snapshot as YAML.
func (s *Scheduler) Dump(w io.Writer) error {
	out, err := yaml.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (s *Scheduler) dumpIndex(idx *waitIndex) []TaskDump {
	hs := idx.handles()
	out := make([]TaskDump, 0, len(hs))
	for _, h := range hs {
		out = append(out, s.dumpTask(h))
	}
	return out
}

func (s *Scheduler) dumpTask(h Handle) TaskDump {
	t := s.arena.get(h)
	if t == nil {
		return TaskDump{Handle: h.String(), Kind: KindUnused.String()}
	}
	d := TaskDump{
		ID:       t.id,
		Handle:   h.String(),
		Kind:     t.kind.String(),
		Deadline: t.deadline.String(),
	}
	switch p := t.payload.(type) {
	case FDPayload:
		fd := p.FD
		d.FD, d.Close = &fd, p.CloseOnRetire
	case ChildPayload:
		d.PID, d.Status = p.PID, p.Status
	case ValuePayload:
		d.Value = p.Value
	}
	return d
}
