package memory

import (
	"context"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// memTx stages writes over the committed tables. Reads see staged rows first.
type memTx struct {
	base   *tables
	staged *tables
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) GetSignal(_ context.Context, signalID string) (*domain.CopySignal, error) {
	s, ok := t.staged.signals[signalID]
	if !ok {
		s, ok = t.base.signals[signalID]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) GetCursor(_ context.Context, source string) (*domain.Cursor, error) {
	c, ok := t.staged.cursors[source]
	if !ok {
		c, ok = t.base.cursors[source]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) GetOrder(_ context.Context, orderID string) (*domain.SimOrder, error) {
	o, ok := t.staged.orders[orderID]
	if !ok {
		o, ok = t.base.orders[orderID]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) GetFill(_ context.Context, fillID string) (*domain.SimFill, error) {
	f, ok := t.staged.fills[fillID]
	if !ok {
		f, ok = t.base.fills[fillID]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyFill(f), nil
}

func (t *memTx) GetPosition(_ context.Context, key domain.PositionKey) (*domain.Position, error) {
	p, ok := t.staged.position[key]
	if !ok {
		p, ok = t.base.position[key]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) GetOutcome(_ context.Context, instrumentID string) (*domain.Outcome, error) {
	o, ok := t.staged.outcomes[instrumentID]
	if !ok {
		o, ok = t.base.outcomes[instrumentID]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) InsertSignal(_ context.Context, s *domain.CopySignal) error {
	if s == nil || s.SignalID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.signals[s.SignalID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.signals[s.SignalID]; ok {
		return storage.ErrDuplicateKey
	}
	key := seqKey{s.Source, s.Sequence}
	if _, ok := t.staged.sequences[key]; ok {
		return storage.ErrSequenceConflict
	}
	if _, ok := t.base.sequences[key]; ok {
		return storage.ErrSequenceConflict
	}
	cp := *s
	t.staged.signals[s.SignalID] = &cp
	t.staged.sequences[key] = s.SignalID
	return nil
}

func (t *memTx) PutCursor(ctx context.Context, c *domain.Cursor) error {
	if c == nil || c.Source == "" {
		return storage.ErrInvalidInput
	}
	if prev, err := t.GetCursor(ctx, c.Source); err == nil && c.Position <= prev.Position {
		return storage.ErrInvalidInput
	}
	cp := *c
	t.staged.cursors[c.Source] = &cp
	return nil
}

func (t *memTx) InsertMapping(_ context.Context, m *domain.MarketMapping) error {
	if m == nil || m.SignalID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.mappings[m.SignalID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.mappings[m.SignalID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *m
	t.staged.mappings[m.SignalID] = &cp
	return nil
}

func (t *memTx) PutSignalStatus(_ context.Context, st *domain.SignalStatus) error {
	if st == nil || st.SignalID == "" {
		return storage.ErrInvalidInput
	}
	cp := *st
	t.staged.statuses[st.SignalID] = &cp
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *domain.SimOrder) error {
	if o == nil || o.OrderID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.orders[o.OrderID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.orders[o.OrderID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *o
	t.staged.orders[o.OrderID] = &cp
	return nil
}

func (t *memTx) InsertFill(_ context.Context, f *domain.SimFill) error {
	if f == nil || f.FillID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.fills[f.FillID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.fills[f.FillID]; ok {
		return storage.ErrDuplicateKey
	}
	t.staged.fills[f.FillID] = copyFill(f)
	return nil
}

func (t *memTx) PutPosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.InstrumentID == "" {
		return storage.ErrInvalidInput
	}
	cp := *p
	t.staged.position[p.Key()] = &cp
	return nil
}

func (t *memTx) InsertOutcome(_ context.Context, o *domain.Outcome) error {
	if o == nil || o.InstrumentID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.outcomes[o.InstrumentID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.outcomes[o.InstrumentID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *o
	t.staged.outcomes[o.InstrumentID] = &cp
	return nil
}

func (t *memTx) PutLearnerState(_ context.Context, s *domain.LearnerState) error {
	if s == nil {
		return storage.ErrInvalidInput
	}
	t.staged.learner = s.Clone()
	return nil
}

func (t *memTx) PutControlState(_ context.Context, s *domain.ControlState) error {
	if s == nil || !s.Mode.IsValid() {
		return storage.ErrInvalidInput
	}
	cp := *s
	t.staged.control = &cp
	return nil
}

func (t *memTx) InsertRun(_ context.Context, r *domain.Run) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}
	if _, ok := t.staged.runs[r.RunID]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := t.base.runs[r.RunID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *r
	cp.Config = append([]byte(nil), r.Config...)
	t.staged.runs[r.RunID] = &cp
	return nil
}

// merge applies staged rows to the committed tables.
func (t *memTx) merge() {
	for k, v := range t.staged.signals {
		t.base.signals[k] = v
	}
	for k, v := range t.staged.sequences {
		t.base.sequences[k] = v
	}
	for k, v := range t.staged.cursors {
		t.base.cursors[k] = v
	}
	for k, v := range t.staged.mappings {
		t.base.mappings[k] = v
	}
	for k, v := range t.staged.statuses {
		t.base.statuses[k] = v
	}
	for k, v := range t.staged.orders {
		t.base.orders[k] = v
	}
	for k, v := range t.staged.fills {
		t.base.fills[k] = v
	}
	for k, v := range t.staged.position {
		t.base.position[k] = v
	}
	for k, v := range t.staged.outcomes {
		t.base.outcomes[k] = v
	}
	for k, v := range t.staged.runs {
		t.base.runs[k] = v
	}
	if t.staged.learner != nil {
		t.base.learner = t.staged.learner
	}
	if t.staged.control != nil {
		t.base.control = t.staged.control
	}
}
