package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/jobs"
	"github.com/melih/lighthouse/internal/core/network"
	"github.com/melih/lighthouse/internal/core/result"
	"github.com/melih/lighthouse/internal/core/retry"
	"github.com/melih/lighthouse/internal/testutil"
)

var errBroken = errors.New("broken")

type recordingService struct {
	name  string
	calls *[]string
	fail  bool
	seen  domain.ServiceOptions
}

func (r *recordingService) Name() string { return r.name }

func (r *recordingService) Start(_ context.Context, _ domain.ServiceIdentifier, opts domain.ServiceOptions) result.Result[domain.ServiceInfo] {
	*r.calls = append(*r.calls, "start:"+r.name)
	r.seen = opts
	if r.fail {
		return result.Fail(domain.ServiceInfo{}, errBroken)
	}
	return result.OK(domain.ServiceInfo{ID: r.name, IsNew: true})
}

func (r *recordingService) Stop(_ context.Context, _ *domain.ServiceIdentifier, copyBack bool) result.Result[[]string] {
	call := "stop:" + r.name
	if copyBack {
		call += ":copy"
	}
	*r.calls = append(*r.calls, call)
	return result.OK([]string{r.name})
}

func (r *recordingService) Ready(context.Context, domain.ServiceIdentifier) result.Result[ReadyInfo] {
	*r.calls = append(*r.calls, "ready:"+r.name)
	return result.OK(ReadyInfo{Output: r.name})
}

func (r *recordingService) List(context.Context, *domain.ServiceIdentifier) result.Result[[]domain.ServiceInfo] {
	return result.OK([]domain.ServiceInfo{{ID: r.name}})
}

func TestMultiStartOrderAndHook(t *testing.T) {
	var calls []string
	a := &recordingService{name: "a", calls: &calls}
	b := &recordingService{name: "b", calls: &calls}
	m := NewMulti(map[string]Service{"a": a, "b": b}, "b", "a")
	m.OnStart("b", func(_ context.Context, _ domain.ServiceIdentifier, started result.Result[domain.ServiceInfo], opts map[string]domain.ServiceOptions) result.Result[struct{}] {
		calls = append(calls, "hook:b:"+started.Value.ID)
		next := opts["a"]
		next.Args = map[string]string{"peer": started.Value.ID}
		opts["a"] = next
		out := result.OK(struct{}{})
		out.AddNotice("configured a")
		return out
	})

	results := m.Start(context.Background(), domain.ServiceIdentifier{ProjectRoot: "/p"}, nil)
	assert.Equal(t, []string{"start:b", "hook:b:b", "start:a"}, calls)
	assert.Equal(t, "b", a.seen.Args["peer"])
	assert.Equal(t, []string{"configured a"}, results["b"].Notices)
	assert.True(t, Success(results))
}

func TestMultiKeysAppendsRemainingSorted(t *testing.T) {
	var calls []string
	svc := func(name string) Service { return &recordingService{name: name, calls: &calls} }
	m := NewMulti(map[string]Service{"a": svc("a"), "c": svc("c"), "b": svc("b"), "d": svc("d")}, "c", "missing", "c")
	assert.Equal(t, []string{"c", "a", "b", "d"}, m.Keys())
}

func TestMultiDoesNotShortCircuit(t *testing.T) {
	var calls []string
	a := &recordingService{name: "a", calls: &calls}
	b := &recordingService{name: "b", calls: &calls, fail: true}
	m := NewMulti(map[string]Service{"a": a, "b": b}, "b")

	results := m.Start(context.Background(), domain.ServiceIdentifier{}, nil)
	assert.Equal(t, []string{"start:b", "start:a"}, calls)
	assert.False(t, Success(results))
	assert.True(t, results["a"].Success)

	all := AbsorbAll(results)
	assert.False(t, all.Success)
	assert.ErrorIs(t, all.Err(), errBroken)
	assert.Equal(t, "a", all.Value["a"].ID)
	assert.Equal(t, "a", Values(results)["a"].ID)
}

func TestMultiStopReadyList(t *testing.T) {
	var calls []string
	m := NewMulti(map[string]Service{
		"a": &recordingService{name: "a", calls: &calls},
		"b": &recordingService{name: "b", calls: &calls},
	})

	stopped := m.Stop(context.Background(), nil, map[string]bool{"b": true})
	assert.True(t, Success(stopped))
	ready := m.Ready(context.Background(), domain.ServiceIdentifier{})
	assert.Equal(t, "b", ready["b"].Value.Output)
	listed := m.List(context.Background(), nil)
	assert.Len(t, Values(listed), 2)
	assert.Equal(t, []string{"stop:a", "stop:b:copy", "ready:a", "ready:b"}, calls)
}

func TestSyncPairPairsLocalWithRemote(t *testing.T) {
	ctx := context.Background()
	remoteDriver := testutil.NewFakeDriver()
	transport := testutil.NewFakeTransport("gpu1")
	remoteDriver.ExecOutputs[strings.Join(Syncthing{}.Probe().Command, " ")] = `{"myID": "ABCD-EFGH", "uptime": 3}`
	remoteMgr := targetManager{
		Manager:   jobs.NewLocal(remoteDriver, testutil.NewFakeBuilder(), &testutil.FakeRunner{}, jobs.Config{Quiet: true}, nil),
		checker:   testutil.FreePorts{},
		transport: transport,
	}
	localDriver := testutil.NewFakeDriver()
	localMgr := targetManager{
		Manager: jobs.NewLocal(localDriver, testutil.NewFakeBuilder(), &testutil.FakeRunner{}, jobs.Config{Quiet: true}, nil),
		checker: testutil.FreePorts{},
	}

	pair := NewSyncPair(New(Syncthing{}, remoteMgr, network.Tunnels{}, nil), New(Syncthing{}, localMgr, network.Tunnels{}, nil),
		network.Tunnels{}, retry.Options{MaxTries: 1, Sleep: noSleep}, nil)
	id := domain.ServiceIdentifier{ProjectRoot: "/p"}
	stack := domain.ServiceOptions{Stack: domain.StackConfiguration{Image: "syncthing/syncthing"}}
	remoteStack := stack.Copy()
	remoteStack.Stack.ContainerRoot = "/workspace"

	results := pair.Start(ctx, id, remoteStack, stack)
	require.True(t, Success(results), AbsorbAll(results).Err())
	assert.Contains(t, remoteDriver.Started[0].Command[0], "folders add --id lighthouse --path /workspace/p ")
	assert.Equal(t, 22000, results[SyncRemote].Value.ServicePorts["listen"])
	assert.Equal(t, map[string]int{"listen": 22000, "gui": 22002}, results[SyncLocal].Value.ServicePorts)

	require.Contains(t, transport.Tunnels, 22001)
	assert.Equal(t, 22000, transport.Tunnels[22001].RemotePort)

	local := localDriver.Started[0]
	require.Len(t, local.Command, 1)
	assert.Contains(t, local.Command[0], "--device-id ABCD-EFGH --addresses tcp://host.docker.internal:22001")
	assert.Contains(t, local.Command[0], "folders add --id lighthouse --path /p ")
	assert.NotContains(t, local.Command[0], "/sync")
	assert.Equal(t, "22001", local.Labels[labelSyncConnect])

	stopped := pair.Stop(ctx, &id)
	assert.True(t, Success(stopped), AbsorbAll(stopped).Err())
	assert.Empty(t, transport.Tunnels)
	assert.Empty(t, remoteDriver.Running())
	assert.Empty(t, localDriver.Running())
}

func TestSyncPairRemoteFailureLeavesLocalUnpaired(t *testing.T) {
	remoteDriver := testutil.NewFakeDriver()
	remoteDriver.StartErr = testutil.ErrInjected
	remoteMgr := targetManager{
		Manager: jobs.NewLocal(remoteDriver, testutil.NewFakeBuilder(), &testutil.FakeRunner{}, jobs.Config{Quiet: true}, nil),
		checker: testutil.FreePorts{},
	}
	localDriver := testutil.NewFakeDriver()
	localMgr := targetManager{
		Manager: jobs.NewLocal(localDriver, testutil.NewFakeBuilder(), &testutil.FakeRunner{}, jobs.Config{Quiet: true}, nil),
		checker: testutil.FreePorts{},
	}
	pair := NewSyncPair(New(Syncthing{}, remoteMgr, network.Tunnels{}, nil), New(Syncthing{}, localMgr, network.Tunnels{}, nil),
		network.Tunnels{}, retry.Options{MaxTries: 1, Sleep: noSleep}, nil)
	stack := domain.ServiceOptions{Stack: domain.StackConfiguration{Image: "syncthing/syncthing"}}

	results := pair.Start(context.Background(), domain.ServiceIdentifier{ProjectRoot: "/p"}, stack, stack)
	assert.False(t, results[SyncRemote].Success)
	assert.NotEmpty(t, results[SyncRemote].Warnings)
	require.True(t, results[SyncLocal].Success)
	assert.NotContains(t, localDriver.Started[0].Command[0], "--device-id")
}
