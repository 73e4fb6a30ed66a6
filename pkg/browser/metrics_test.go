package browser_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Kryndex/spectron/pkg/browser"
	"github.com/Kryndex/spectron/pkg/browser/mocks"
)

type observation struct {
	op  string
	err error
}

type recorder struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recorder) ObserveSessionOp(op string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{op: op, err: err})
}

func TestInstrument_NilRecorder(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	assert.Equal(t, browser.Client(client), browser.Instrument(client, nil))
}

func TestInstrument_RecordsOperations(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	sess := mocks.NewMockSession(ctrl)
	rec := &recorder{}
	ctx := context.Background()
	quitErr := errors.New("gone")

	client.EXPECT().Open(ctx, "127.0.0.1:9222").Return(sess, nil)
	sess.EXPECT().ID().Return("s-1")
	sess.EXPECT().WindowHandles(ctx).Return([]string{"w1"}, nil)
	sess.EXPECT().WindowBounds(ctx, "w1").Return(browser.Bounds{X: 1, Y: 2, Width: 3, Height: 4}, nil)
	sess.EXPECT().WaitUntilTextExists(ctx, ".title", "Hello", time.Second).Return(nil)
	sess.EXPECT().Execute(ctx, "1+1").Return(json.RawMessage("2"), nil)
	sess.EXPECT().Quit(ctx).Return(quitErr)
	sess.EXPECT().Close().Return(nil)
	done := make(chan struct{})
	sess.EXPECT().Done().Return((<-chan struct{})(done))

	wrapped := browser.Instrument(client, rec)
	s, err := wrapped.Open(ctx, "127.0.0.1:9222")
	require.NoError(t, err)

	assert.Equal(t, "s-1", s.ID())
	handles, err := s.WindowHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, handles)
	bounds, err := s.WindowBounds(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, bounds.Width)
	require.NoError(t, s.WaitUntilTextExists(ctx, ".title", "Hello", time.Second))
	out, err := s.Execute(ctx, "1+1")
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(out))
	assert.ErrorIs(t, s.Quit(ctx), quitErr)
	require.NoError(t, s.Close())
	assert.Equal(t, (<-chan struct{})(done), s.Done())

	ops := make([]string, 0, len(rec.obs))
	for _, o := range rec.obs {
		ops = append(ops, o.op)
	}
	assert.Equal(t, []string{
		browser.OpOpen, browser.OpWindowHandles, browser.OpWindowBounds,
		browser.OpWaitText, browser.OpExecute, browser.OpQuit, browser.OpClose,
	}, ops)
	assert.ErrorIs(t, rec.obs[5].err, quitErr)
}

func TestInstrument_OpenFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	rec := &recorder{}

	client.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil, browser.ErrUnavailable)

	s, err := browser.Instrument(client, rec).Open(context.Background(), "127.0.0.1:1")
	assert.Nil(t, s)
	assert.ErrorIs(t, err, browser.ErrUnavailable)
	require.Len(t, rec.obs, 1)
	assert.Equal(t, browser.OpOpen, rec.obs[0].op)
}
