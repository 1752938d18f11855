package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/report"
)

type fakeSink struct {
	mu      sync.Mutex
	reports []report.AccessReport
}

func (f *fakeSink) Enqueue(r interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r.(report.AccessReport))
	return true
}

func TestNewNormalizesZeroQueueSizeToDefault(t *testing.T) {
	c := New(1, KextConfig{}, &fakeSink{}, host.AsyncFailureCallback{})
	require.Equal(t, DefaultReportQueueSizeMB, c.Config.ReportQueueSizeMB)
}

func TestNewClampsOversizedQueueToDefault(t *testing.T) {
	c := New(1, KextConfig{ReportQueueSizeMB: MaxReportQueueSizeMB + 1}, &fakeSink{}, host.AsyncFailureCallback{})
	require.Equal(t, DefaultReportQueueSizeMB, c.Config.ReportQueueSizeMB)
}

func TestSubmitForwardsToSink(t *testing.T) {
	sink := &fakeSink{}
	c := New(1, KextConfig{}, sink, host.AsyncFailureCallback{})
	ok := c.Submit(report.AccessReport{Pid: 1, Path: `C:\a.h`})
	require.True(t, ok)
	require.Len(t, sink.reports, 1)
}

func TestSetFailureHandlerRejectedAfterFirstSubmit(t *testing.T) {
	sink := &fakeSink{}
	c := New(1, KextConfig{}, sink, host.AsyncFailureCallback{})
	require.NoError(t, c.SetFailureHandler(host.AsyncFailureCallback{}))

	c.Submit(report.AccessReport{})

	err := c.SetFailureHandler(host.AsyncFailureCallback{})
	require.Error(t, err)
}

func TestFailureCallbackRedirectedBeforeFreeze(t *testing.T) {
	c := New(1, KextConfig{}, &rejectingSink{}, host.AsyncFailureCallback{})

	var invoked host.AsyncFailureStatus
	called := false
	require.NoError(t, c.SetFailureHandler(host.AsyncFailureCallback{Func: func(status host.AsyncFailureStatus, _ any) {
		called = true
		invoked = status
	}}))

	c.Submit(report.AccessReport{})

	require.True(t, called)
	require.Equal(t, host.FailureNoMemory, invoked)
}

type rejectingSink struct{}

func (r *rejectingSink) Enqueue(interface{}) bool { return false }

func TestReconfigureAppliesNewConfig(t *testing.T) {
	c := New(1, KextConfig{}, &fakeSink{}, host.AsyncFailureCallback{})
	c.Reconfigure(KextConfig{ReportQueueSizeMB: 64})
	require.Equal(t, 64, c.Config.ReportQueueSizeMB)
}
