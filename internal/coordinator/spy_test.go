package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"sync"

	"github.com/k11v/kiln/internal/build"
)

const (
	callBegin       = "Begin"
	callCommit      = "Commit"
	callCreateBuild = "CreateBuild"
	callGetBuild    = "GetBuild"
	callLockBuild   = "LockBuild"
	callRollback    = "Rollback"
	callUpdateBuild = "UpdateBuild"
)

var _ Database = (*SpyDatabase)(nil)

// SpyDatabase keeps builds in memory. Transactions see their own writes
// and publish them on commit.
type SpyDatabase struct {
	Builds map[int]*build.Info

	Calls *[]string // doesn't contain rolled back calls

	pending map[int]*build.Info // nil outside a transaction
}

type SpyDatabaseTx struct {
	*SpyDatabase
	parent *SpyDatabase
	closed bool
}

func (d *SpyDatabase) appendCalls(c ...string) {
	if d.Calls == nil {
		d.Calls = new([]string)
	}
	*d.Calls = append(*d.Calls, c...)
}

func (d *SpyDatabase) Begin(ctx context.Context) (DatabaseTx, error) {
	d.appendCalls(callBegin)
	if d.Builds == nil {
		d.Builds = make(map[int]*build.Info)
	}
	return &SpyDatabaseTx{
		SpyDatabase: &SpyDatabase{Builds: d.Builds, Calls: new([]string), pending: make(map[int]*build.Info)},
		parent:      d,
	}, nil
}

func (tx *SpyDatabaseTx) Commit(ctx context.Context) error {
	if tx.closed {
		return errors.New("tx is closed")
	}
	tx.closed = true
	maps.Copy(tx.Builds, tx.pending)
	tx.parent.appendCalls(*tx.Calls...)
	tx.parent.appendCalls(callCommit)
	return nil
}

func (tx *SpyDatabaseTx) Rollback(ctx context.Context) error {
	if tx.closed {
		return errors.New("tx is closed")
	}
	tx.closed = true
	tx.parent.appendCalls(callRollback)
	return nil
}

func (d *SpyDatabase) lookup(n int) (*build.Info, error) {
	if info, ok := d.pending[n]; ok {
		c := *info
		return &c, nil
	}
	if info, ok := d.Builds[n]; ok {
		c := *info
		return &c, nil
	}
	return nil, ErrNotFound
}

func (d *SpyDatabase) store(info *build.Info) *build.Info {
	c := *info
	if d.pending != nil {
		d.pending[info.BuildNumber] = &c
	} else {
		if d.Builds == nil {
			d.Builds = make(map[int]*build.Info)
		}
		d.Builds[info.BuildNumber] = &c
	}
	r := c
	return &r
}

func (d *SpyDatabase) CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*build.Info, error) {
	d.appendCalls(callCreateBuild)
	n := 1
	for k := range d.Builds {
		n = max(n, k+1)
	}
	for k := range d.pending {
		n = max(n, k+1)
	}
	return d.store(&build.Info{
		BuildNumber:    n,
		Attempt:        1,
		Status:         params.Status,
		StatusMessage:  params.StatusMessage,
		Platform:       params.Platform,
		Configuration:  params.Configuration,
		Options:        params.Options,
		Vcordova:       params.Vcordova,
		SubmissionTime: params.SubmissionTime,
		UpdateTime:     params.SubmissionTime,
	}), nil
}

func (d *SpyDatabase) GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*build.Info, error) {
	d.appendCalls(callGetBuild)
	return d.lookup(params.BuildNumber)
}

func (d *SpyDatabase) LockBuild(ctx context.Context, params *DatabaseLockBuildParams) (*build.Info, error) {
	d.appendCalls(callLockBuild)
	return d.lookup(params.BuildNumber)
}

func (d *SpyDatabase) UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*build.Info, error) {
	d.appendCalls(callUpdateBuild)
	if _, err := d.lookup(params.Info.BuildNumber); err != nil {
		return nil, err
	}
	return d.store(params.Info), nil
}

var _ Storage = (*MemoryStorage)(nil)

type MemoryStorage struct {
	mu        sync.Mutex
	Objects   map[string][]byte
	UploadErr error
}

func (s *MemoryStorage) Upload(ctx context.Context, obj *build.Object, r io.Reader) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Objects == nil {
		s.Objects = make(map[string][]byte)
	}
	s.Objects[obj.Key()] = data
	return nil
}

func (s *MemoryStorage) Download(ctx context.Context, obj *build.Object, w io.Writer) error {
	s.mu.Lock()
	data, ok := s.Objects[obj.Key()]
	s.mu.Unlock()
	if !ok {
		return build.ErrObjectNotFound
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (s *MemoryStorage) Size(ctx context.Context, obj *build.Object) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Objects[obj.Key()]
	if !ok {
		return 0, build.ErrObjectNotFound
	}
	return int64(len(data)), nil
}

var _ Broker = (*SpyBroker)(nil)

type SpyBroker struct {
	Tasks      []*build.Info
	Events     []*build.Event // delivered by ConsumeEvents
	PublishErr error
}

func (b *SpyBroker) PublishTask(ctx context.Context, info *build.Info) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	c := *info
	b.Tasks = append(b.Tasks, &c)
	return nil
}

func (b *SpyBroker) ConsumeEvents(ctx context.Context, handle func(ctx context.Context, ev *build.Event) error) error {
	for _, ev := range b.Events {
		if err := handle(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
