package domain

import "encoding/json"

// Aggregate is the single root document holding all mutable state.
// It is owned by the store; callers only see it inside Read or Mutate.
type Aggregate struct {
	Users       []User           `json:"users"`
	Threads     []Thread         `json:"threads"`
	Messages    []Message        `json:"messages"`
	CallSignals []CallSignal     `json:"callSignals"`
	Sanctions   []Sanction       `json:"sanctions"`
	Reports     []Report         `json:"reports"`
	AuditLog    []AuditEntry     `json:"auditLog"`
	Counters    map[string]int64 `json:"counters,omitempty"`
}

// NewAggregate returns an empty aggregate with non-nil collections.
func NewAggregate() *Aggregate {
	return &Aggregate{
		Users:       []User{},
		Threads:     []Thread{},
		Messages:    []Message{},
		CallSignals: []CallSignal{},
		Sanctions:   []Sanction{},
		Reports:     []Report{},
		AuditLog:    []AuditEntry{},
	}
}

// Clone returns a deep copy through the persisted JSON form.
func (a *Aggregate) Clone() *Aggregate {
	data, err := json.Marshal(a)
	if err != nil {
		return NewAggregate()
	}
	out := NewAggregate()
	if err := json.Unmarshal(data, out); err != nil {
		return NewAggregate()
	}
	return out
}

func (a *Aggregate) User(id string) *User {
	for i := range a.Users {
		if a.Users[i].ID == id {
			return &a.Users[i]
		}
	}
	return nil
}

func (a *Aggregate) Thread(id string) *Thread {
	for i := range a.Threads {
		if a.Threads[i].ID == id {
			return &a.Threads[i]
		}
	}
	return nil
}

func (a *Aggregate) Message(id string) *Message {
	for i := range a.Messages {
		if a.Messages[i].ID == id {
			return &a.Messages[i]
		}
	}
	return nil
}

// UsersByID builds a lookup map of pointers into a.Users.
// The map is invalidated by any append to a.Users.
func (a *Aggregate) UsersByID() map[string]*User {
	m := make(map[string]*User, len(a.Users))
	for i := range a.Users {
		m[a.Users[i].ID] = &a.Users[i]
	}
	return m
}

func (a *Aggregate) ThreadsByID() map[string]*Thread {
	m := make(map[string]*Thread, len(a.Threads))
	for i := range a.Threads {
		m[a.Threads[i].ID] = &a.Threads[i]
	}
	return m
}

func (a *Aggregate) UserByUsername(username string) *User {
	for i := range a.Users {
		if a.Users[i].Username == username {
			return &a.Users[i]
		}
	}
	return nil
}

func (a *Aggregate) UserByEmail(email string) *User {
	for i := range a.Users {
		if a.Users[i].Email == email {
			return &a.Users[i]
		}
	}
	return nil
}

// DeleteThread removes a thread and every message that belongs to it.
func (a *Aggregate) DeleteThread(id string) {
	threads := a.Threads[:0]
	for _, t := range a.Threads {
		if t.ID != id {
			threads = append(threads, t)
		}
	}
	a.Threads = threads

	msgs := a.Messages[:0]
	for _, m := range a.Messages {
		if m.ThreadID != id {
			msgs = append(msgs, m)
		}
	}
	a.Messages = msgs
}

// DropDanglingReplies clears reply targets that no longer exist.
func (a *Aggregate) DropDanglingReplies() {
	ids := make(map[string]struct{}, len(a.Messages))
	for _, m := range a.Messages {
		ids[m.ID] = struct{}{}
	}
	for i := range a.Messages {
		if _, ok := ids[a.Messages[i].ReplyToID]; !ok {
			a.Messages[i].ReplyToID = ""
		}
	}
}

// HumanUserCount counts users that are not bots.
func (a *Aggregate) HumanUserCount() int {
	n := 0
	for i := range a.Users {
		if !a.Users[i].IsBot {
			n++
		}
	}
	return n
}

// CatastrophicallyEmptier reports whether committing next over current would
// wipe everything: next has no human users, threads, messages or signals while
// current has at least one of those.
func CatastrophicallyEmptier(next, current *Aggregate) bool {
	if next == nil || current == nil {
		return false
	}
	nextEmpty := next.HumanUserCount() == 0 &&
		len(next.Threads) == 0 &&
		len(next.Messages) == 0 &&
		len(next.CallSignals) == 0
	if !nextEmpty {
		return false
	}
	return current.HumanUserCount() > 0 ||
		len(current.Threads) > 0 ||
		len(current.Messages) > 0 ||
		len(current.CallSignals) > 0
}
