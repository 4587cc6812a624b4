package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/factory/directory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/indexes"
	"github.com/drpcorg/factory/keys"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/migrations"
	"github.com/drpcorg/factory/presets"
	"github.com/drpcorg/factory/relations"
	"github.com/drpcorg/factory/tags"
	"github.com/drpcorg/factory/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mgr = "manager"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr[T any](v T) *T { return &v }

func newFactory(t *testing.T, opts Options) (*Factory, *testClock) {
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	if opts.Logger == nil {
		opts.Logger = utils.NewWriterLogger(io.Discard, slog.LevelDebug)
	}
	opts.Clock = clock
	f, err := Open(kv.Options{InMemory: true}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.NoError(t, f.Init(context.Background(), Config{
		ManagedBy:        mgr,
		DefaultTemplate:  ptr[uint64](1),
		AllowedTemplates: []uint64{2},
	}))
	return f, clock
}

// create runs both phases of a creation, answering with address.
func create(t *testing.T, f *Factory, p CreateParams, address string) {
	ctx := context.Background()
	cmd, err := f.Create(ctx, "creator", p)
	require.NoError(t, err)
	require.Equal(t, host.Instantiate, cmd.Kind)
	require.Equal(t, host.SuccessOnly, cmd.Delivery)
	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: cmd.CorrelationID, Outcome: host.Outcome{Address: address}}))
}

func TestConfig(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()

	cfg, err := f.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, mgr, cfg.ManagedBy)
	assert.Equal(t, []uint64{1, 2}, cfg.AllowedTemplates)

	err = f.Init(ctx, Config{ManagedBy: "other"})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)
	err = f.SetConfig(ctx, "intruder", Config{ManagedBy: "intruder"})
	assert.ErrorIs(t, err, factory_errors.ErrNotAuthorized)
	err = f.SetConfig(ctx, mgr, Config{})
	assert.ErrorIs(t, err, factory_errors.ErrValidation)

	require.NoError(t, f.SetConfig(ctx, mgr, Config{ManagedBy: "boss", AllowedTemplates: []uint64{7}}))
	cfg, err = f.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "boss", cfg.ManagedBy)
	assert.Nil(t, cfg.DefaultTemplate)
	assert.Equal(t, []uint64{7}, cfg.AllowedTemplates)

	_, err = f.Create(ctx, "creator", CreateParams{})
	assert.ErrorIs(t, err, factory_errors.ErrValidation)
	_, err = f.Create(ctx, "creator", CreateParams{Template: ptr[uint64](1)})
	assert.ErrorIs(t, err, factory_errors.ErrNotAuthorized)
}

func TestSetConfigKeepsCallerSlice(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()

	backing := make([]uint64, 2, 4)
	backing[0], backing[1] = 3, 4
	full := backing[:3]
	full[2] = 99
	require.NoError(t, f.SetConfig(ctx, mgr, Config{ManagedBy: mgr, DefaultTemplate: ptr[uint64](5), AllowedTemplates: backing}))
	assert.Equal(t, []uint64{3, 4, 99}, full)

	cfg, err := f.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, cfg.AllowedTemplates)
}

func TestTemplateScenario(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()
	for i, tpl := range []uint64{1, 1, 2} {
		create(t, f, CreateParams{Template: ptr(tpl), Label: "rec"}, fmt.Sprintf("addr-%d", i))
	}
	for i := 0; i < 3; i++ {
		md, err := f.RecordMetadata(ctx, directory.ByAddress(fmt.Sprintf("addr-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, keys.RecordID(i), md.ID)
	}

	one := keys.Uint64(1)
	res, err := f.RecordsInRange(ctx, RangeQuery{
		Index: IndexSelector{Builtin: "template_id"},
		Start: &Bound[keys.Value]{Value: one},
		Stop:  &Bound[keys.Value]{Value: one},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"addr-0", "addr-1"}, res.Items)
	assert.Empty(t, res.Cursor)

	_, err = f.BeginMigration(ctx, mgr, migrations.Params{Name: "v2", TargetTemplate: 3, SourceTemplate: ptr[uint64](1), BatchSize: 10})
	require.NoError(t, err)
	s, cmds, err := f.StepMigration(ctx, mgr, "v2")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "addr-0", cmds[0].Target)
	assert.Equal(t, "addr-1", cmds[1].Target)
	assert.Equal(t, migrations.Complete, s.Status)
	assert.Nil(t, s.Cursor)

	n, err := f.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestCreate(t *testing.T) {
	f, clock := newFactory(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.SetPreset(ctx, mgr, presets.Preset{Name: "token", Values: json.RawMessage(`{"decimals":6}`)}))
	assert.ErrorIs(t, f.SetPreset(ctx, "creator", presets.Preset{Name: "x", Values: json.RawMessage(`{}`)}), factory_errors.ErrNotAuthorized)

	cmd, err := f.Create(ctx, "creator", CreateParams{Name: "first", Preset: "token", Payload: json.RawMessage(`{"decimals":18,"symbol":"A"}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cmd.Template)
	assert.Equal(t, "factory", cmd.Admin)
	assert.JSONEq(t, `{"decimals":6,"symbol":"A"}`, string(cmd.Payload))

	p, err := f.Preset(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.NUses)

	// the record only exists once the reply arrives
	_, err = f.RecordMetadata(ctx, directory.ByName("first"))
	assert.ErrorIs(t, err, factory_errors.ErrNotFound)

	clock.Advance(time.Hour)
	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: cmd.CorrelationID, Outcome: host.Outcome{Address: "addr-first"}}))
	md, err := f.RecordMetadata(ctx, directory.ByName("first"))
	require.NoError(t, err)
	assert.Equal(t, "addr-first", md.Address)
	assert.Equal(t, "creator", md.CreatedBy)
	assert.Equal(t, "factory", md.Admin)
	assert.Equal(t, clock.Now(), md.CreatedAt)
	assert.Equal(t, md.CreatedAt, md.UpdatedAt)

	err = f.HandleReply(ctx, host.Reply{CorrelationID: cmd.CorrelationID, Outcome: host.Outcome{Address: "addr-first"}})
	assert.ErrorIs(t, err, factory_errors.ErrInvalidReply)

	_, err = f.Create(ctx, "creator", CreateParams{Name: "first"})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)
	_, err = f.Create(ctx, "creator", CreateParams{Preset: "missing"})
	assert.ErrorIs(t, err, factory_errors.ErrNotFound)
}

func TestCreateReservesName(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()

	first, err := f.Create(ctx, "creator", CreateParams{Name: "dup"})
	require.NoError(t, err)
	_, err = f.Create(ctx, "creator", CreateParams{Name: "dup"})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)

	// a failed instantiation frees the name
	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: first.CorrelationID, Outcome: host.Outcome{Err: "reverted"}}))
	second, err := f.Create(ctx, "creator", CreateParams{Name: "dup"})
	require.NoError(t, err)
	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: second.CorrelationID, Outcome: host.Outcome{Address: "addr-dup"}}))

	md, err := f.RecordMetadata(ctx, directory.ByName("dup"))
	require.NoError(t, err)
	assert.Equal(t, "addr-dup", md.Address)
	_, err = f.Create(ctx, "creator", CreateParams{Name: "dup"})
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyExists)
	n, err := f.RecordCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestUpdate(t *testing.T) {
	f, clock := newFactory(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		create(t, f, CreateParams{Label: "rec"}, fmt.Sprintf("addr-%d", i))
	}

	clock.Advance(time.Minute)
	require.NoError(t, f.Update(ctx, "addr-0", UpdateParams{
		Indices:   []IndexUpdate{{Name: "score", Value: ptr(keys.Int32(-5))}},
		Tags:      []TagUpdate{{Op: Set, Tag: "defi", Weight: 3}},
		Relations: []RelationUpdate{{Op: Set, Relation: relations.Relation{Label: "owner", Address: "addr-2"}}},
	}))
	require.NoError(t, f.Update(ctx, mgr, UpdateParams{
		Record:  ptr(directory.ByID(1)),
		Indices: []IndexUpdate{{Name: "score", Value: ptr(keys.Int32(10))}},
		Tags:    []TagUpdate{{Op: Set, Tag: "defi", Weight: 1}},
	}))
	assert.ErrorIs(t, f.Update(ctx, "addr-1", UpdateParams{Record: ptr(directory.ByID(0))}), factory_errors.ErrNotAuthorized)
	assert.ErrorIs(t, f.Update(ctx, "stranger", UpdateParams{}), factory_errors.ErrNotAuthorized)
	assert.ErrorIs(t, f.Update(ctx, "addr-0", UpdateParams{Tags: []TagUpdate{{Op: "flip", Tag: "x"}}}), factory_errors.ErrValidation)

	md, err := f.RecordMetadata(ctx, directory.ByID(0))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), md.UpdatedAt)
	assert.True(t, md.UpdatedAt.After(md.CreatedAt))

	scores, err := f.RecordsInRange(ctx, RangeQuery{Index: IndexSelector{Custom: "score"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"addr-0", "addr-1"}, scores.Items)

	byTag, err := f.RecordsByTag(ctx, TagQuery{Tag: "defi", Paging: Paging{Desc: true}})
	require.NoError(t, err)
	require.Len(t, byTag.Items, 2)
	assert.Equal(t, TaggedRecord{ID: 0, Address: "addr-0", Weight: 3}, byTag.Items[0])

	ok, err := f.RecordHasTags(ctx, directory.ByID(1), []tags.Selector{{Tag: "defi", Min: ptr[uint16](2)}, {Tag: "nft"}}, indexes.Or)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.RecordHasTags(ctx, directory.ByID(0), []tags.Selector{{Tag: "defi", Min: ptr[uint16](2)}, {Tag: "nft"}}, indexes.Xor)
	require.NoError(t, err)
	assert.True(t, ok)

	related, err := f.RecordsRelatedTo(ctx, RelatedQuery{Address: "addr-2"})
	require.NoError(t, err)
	require.Len(t, related.Items, 1)
	assert.Equal(t, "addr-0", related.Items[0].Address)
	assert.Equal(t, "owner", related.Items[0].Label)

	owner := relations.Relation{Label: "owner", Address: "addr-2"}
	ok, err = f.RecordIsRelatedTo(ctx, directory.ByAddress("addr-0"), owner)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.Update(ctx, "addr-0", UpdateParams{
		Tags:      []TagUpdate{{Op: Remove, Tag: "defi"}},
		Relations: []RelationUpdate{{Op: Remove, Relation: owner}},
	}))
	ok, err = f.RecordIsRelatedTo(ctx, directory.ByAddress("addr-0"), owner)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.RecordHasRelations(ctx, directory.ByAddress("addr-0"), []relations.Selector{owner}, indexes.And)
	require.NoError(t, err)
	assert.False(t, ok)
	recTags, err := f.RecordTags(ctx, RecordQuery{Record: directory.ByID(0)})
	require.NoError(t, err)
	assert.Empty(t, recTags.Items)
}

func TestToggleHidden(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()
	create(t, f, CreateParams{}, "addr-0")
	require.NoError(t, f.Update(ctx, "addr-0", UpdateParams{
		Indices: []IndexUpdate{{Name: "kind", Value: ptr(keys.String("vault"))}},
		Tags:    []TagUpdate{{Op: Set, Tag: "listed"}},
	}))

	listed := func() []string {
		res, err := f.RecordsInRange(ctx, RangeQuery{Index: IndexSelector{Custom: "kind"}})
		require.NoError(t, err)
		return res.Items
	}
	assert.Equal(t, []string{"addr-0"}, listed())

	hidden, err := f.ToggleHidden(ctx, "addr-0", nil)
	require.NoError(t, err)
	assert.True(t, hidden)
	assert.Empty(t, listed())

	// values set while hidden surface on unhide
	require.NoError(t, f.Update(ctx, "addr-0", UpdateParams{Indices: []IndexUpdate{{Name: "kind", Value: ptr(keys.String("pool"))}}}))
	assert.Empty(t, listed())
	byTag, err := f.RecordsByTag(ctx, TagQuery{Tag: "listed"})
	require.NoError(t, err)
	assert.Len(t, byTag.Items, 1)

	_, err = f.ToggleHidden(ctx, "addr-0", ptr(directory.ByID(0)))
	assert.ErrorIs(t, err, factory_errors.ErrNotAuthorized)
	hidden, err = f.ToggleHidden(ctx, mgr, ptr(directory.ByID(0)))
	require.NoError(t, err)
	assert.False(t, hidden)
	assert.Equal(t, []string{"addr-0"}, listed())

	md, err := f.RecordMetadata(ctx, directory.ByID(0))
	require.NoError(t, err)
	assert.False(t, md.Hidden)
}

func TestRangePaging(t *testing.T) {
	f, clock := newFactory(t, Options{})
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		clock.Advance(time.Second)
		create(t, f, CreateParams{}, fmt.Sprintf("addr-%d", i))
	}
	q := RangeQuery{Index: IndexSelector{Builtin: "created_at"}}
	q.Limit = 6
	all, err := f.RecordsInRange(ctx, q)
	require.NoError(t, err)
	require.NotEmpty(t, all.Cursor)

	var paged []string
	q.Limit = 3
	for {
		page, err := f.RecordsInRange(ctx, q)
		require.NoError(t, err)
		paged = append(paged, page.Items...)
		if page.Cursor == "" {
			break
		}
		q.Cursor = page.Cursor
	}
	assert.Len(t, paged, 7)
	assert.Equal(t, all.Items, paged[:6])

	q = RangeQuery{Index: IndexSelector{Builtin: "created_at"}, Paging: Paging{Desc: true}}
	desc, err := f.RecordsInRange(ctx, q)
	require.NoError(t, err)
	for i := range desc.Items {
		assert.Equal(t, paged[len(paged)-1-i], desc.Items[i])
	}

	_, err = f.RecordsInRange(ctx, RangeQuery{Index: IndexSelector{Builtin: "colour"}})
	assert.ErrorIs(t, err, factory_errors.ErrValidation)
	_, err = f.RecordsInRange(ctx, RangeQuery{Index: IndexSelector{Builtin: "admin"}, Paging: Paging{Cursor: "!!"}})
	assert.ErrorIs(t, err, factory_errors.ErrValidation)
}

func TestMigrationOverLoopback(t *testing.T) {
	loop := host.NewLoopback(host.LoopbackOptions{Logger: utils.NewWriterLogger(io.Discard, slog.LevelDebug)})
	reg := prometheus.NewRegistry()
	f, _ := newFactory(t, Options{Dispatcher: loop, Registerer: reg})
	loop.Start(f)
	t.Cleanup(func() { _ = loop.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := f.Create(ctx, "creator", CreateParams{Name: fmt.Sprintf("rec-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, loop.Drain(ctx))
	n, err := f.RecordCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.registered))

	md, err := f.RecordMetadata(ctx, directory.ByName("rec-3"))
	require.NoError(t, err)
	loop.Fail(md.Address, "out of gas")

	_, err = f.BeginMigration(ctx, "creator", migrations.Params{Name: "v2", TargetTemplate: 2})
	assert.ErrorIs(t, err, factory_errors.ErrNotAuthorized)
	_, err = f.BeginMigration(ctx, mgr, migrations.Params{Name: "v2", TargetTemplate: 2, BatchSize: 2, ErrorStrategy: migrations.Retry})
	require.NoError(t, err)

	steps := 0
	for {
		s, _, err := f.StepMigration(ctx, mgr, "v2")
		require.NoError(t, err)
		steps++
		require.NoError(t, loop.Drain(ctx))
		if s.Status == migrations.Complete {
			break
		}
	}
	assert.Equal(t, 3, steps)

	ms, err := f.MigrationSession(ctx, "v2", Paging{})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), ms.NSuccess)
	assert.Equal(t, uint32(1), ms.NError)
	require.Len(t, ms.Failures, 1)
	assert.Equal(t, md.Address, ms.Failures[0].Address)
	assert.Equal(t, "out of gas", ms.Failures[0].Error)

	loop.Heal(md.Address)
	_, cmds, err := f.RetryMigration(ctx, mgr, "v2", nil)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.NoError(t, loop.Drain(ctx))

	ms, err = f.MigrationSession(ctx, "v2", Paging{})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), ms.NSuccess)
	assert.Zero(t, ms.NError)
	assert.Empty(t, ms.Failures)

	_, _, err = f.RetryMigration(ctx, mgr, "v2", nil)
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyComplete)
	_, _, err = f.StepMigration(ctx, mgr, "v2")
	assert.ErrorIs(t, err, factory_errors.ErrAlreadyComplete)

	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.replies.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.replies.WithLabelValues("error")))

	require.NoError(t, f.CancelMigration(ctx, mgr, "v2"))
	_, err = f.MigrationSession(ctx, "v2", Paging{})
	assert.ErrorIs(t, err, factory_errors.ErrNotFound)

	cmd, err := f.MigrateOne(ctx, mgr, md.Address, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, host.Never, cmd.Delivery)
	require.NoError(t, loop.Drain(ctx))
}

func TestAbortKeepsCounters(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		create(t, f, CreateParams{}, fmt.Sprintf("addr-%d", i))
	}
	_, err := f.BeginMigration(ctx, mgr, migrations.Params{Name: "v2", TargetTemplate: 2})
	require.NoError(t, err)
	_, cmds, err := f.StepMigration(ctx, mgr, "v2")
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: cmds[0].CorrelationID, Outcome: host.Outcome{Address: "addr-0"}}))
	before, err := f.MigrationSession(ctx, "v2", Paging{})
	require.NoError(t, err)

	err = f.HandleReply(ctx, host.Reply{CorrelationID: cmds[1].CorrelationID, Outcome: host.Outcome{Err: "trap"}})
	assert.ErrorIs(t, err, factory_errors.ErrUpgradeFailed)
	after, err := f.MigrationSession(ctx, "v2", Paging{})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the rejected reply can still be delivered again
	require.NoError(t, f.HandleReply(ctx, host.Reply{CorrelationID: cmds[1].CorrelationID, Outcome: host.Outcome{Address: "addr-1"}}))
	after, err = f.MigrationSession(ctx, "v2", Paging{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), after.NSuccess)
}

func TestPresetsQuery(t *testing.T) {
	f, _ := newFactory(t, Options{})
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, f.SetPreset(ctx, mgr, presets.Preset{Name: name, Values: json.RawMessage(`{}`), Overridable: true}))
	}
	res, err := f.Presets(ctx, Paging{Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0].Name)
	res, err = f.Presets(ctx, Paging{Cursor: res.Cursor})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "c", res.Items[0].Name)

	require.NoError(t, f.RemovePreset(ctx, mgr, "a"))
	_, err = f.Preset(ctx, "a")
	assert.ErrorIs(t, err, factory_errors.ErrNotFound)
}

func TestClosed(t *testing.T) {
	f, _ := newFactory(t, Options{})
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err := f.Config(context.Background())
	assert.ErrorIs(t, err, factory_errors.ErrClosed)
	assert.ErrorIs(t, f.HandleReply(context.Background(), host.Reply{}), factory_errors.ErrClosed)
}

func TestLatencyBuckets(t *testing.T) {
	m := newMetrics()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, m.register(reg))
	m.latency.WithLabelValues("create", "ok").Observe(0.00005)

	families, err := reg.Gather()
	require.NoError(t, err)
	var bounds []float64
	for _, mf := range families {
		if mf.GetName() != "factory_call_duration_seconds" {
			continue
		}
		for _, b := range mf.GetMetric()[0].GetHistogram().GetBucket() {
			bounds = append(bounds, b.GetUpperBound())
		}
	}
	require.NotEmpty(t, bounds)
	assert.Equal(t, 0.0001, bounds[0])
}
