package trader

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/gregtusar/rebalancer/pkg/ledger"
	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/optimize"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRebalancer(t *testing.T, g *stubGateway, opt optimize.Minimizer, clock *fakeClock) *Rebalancer {
	t.Helper()
	r := NewRebalancer(newTestPolicy(t, g, opt), g, testCaller, LoopConfig{
		CycleInterval:  time.Millisecond,
		ReportInterval: 5 * time.Minute,
	}, testLogger(), testMetrics())
	if clock != nil {
		r.now = clock.Now
	}
	return r
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name    string
		lev     string
		wantErr error
	}{
		{"below max", "3", nil},
		{"at max", "5", nil},
		{"above max", "5.000000000000000001", ErrInvalidMaxLeverage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := shortSnapshot()
			snap.TargetLeverage = wad.MustFromString(tt.lev)
			g := &stubGateway{snaps: []models.AccountSnapshot{snap}}
			err := newTestRebalancer(t, g, &stubOptimizer{}, nil).Preflight(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Preflight err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPreflight_ReadError(t *testing.T) {
	g := &stubGateway{readErrs: []error{ledger.ErrRead}}
	if err := newTestRebalancer(t, g, &stubOptimizer{}, nil).Preflight(context.Background()); !errors.Is(err, ledger.ErrRead) {
		t.Errorf("err = %v", err)
	}
}

func TestRunCycle_OrderWithOpenPosition(t *testing.T) {
	snap := shortSnapshot()
	snap.EffectiveLeverage = wad.FromInt64(5)
	snap.FundingRate = wad.MustFromString("-0.004")
	snap.IsReceivingFunding = false

	g := &stubGateway{
		snaps:    []models.AccountSnapshot{snap},
		simulate: fixedProfit(wad.FromInt64(60)),
		execResult: func(models.CallRequest) (models.ActionResult, error) {
			return models.ActionResult{Status: models.StatusReverted}, nil
		},
	}
	r := newTestRebalancer(t, g, &stubOptimizer{at: midpoint}, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	report := r.RunCycle(context.Background())

	want := []models.Action{
		models.ActionProfitOpen,
		models.ActionProfitClose,
		models.ActionDeleverageClose,
		models.ActionAllClose,
	}
	if got := g.executedActions(); !reflect.DeepEqual(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
	if len(report.Decisions) != 4 || report.ID == "" || !report.Reported {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCycle_ExecutionErrorDoesNotAbortCycle(t *testing.T) {
	snap := shortSnapshot()
	snap.FundingRate = wad.MustFromString("-0.01")
	snap.IsReceivingFunding = false

	g := &stubGateway{
		snaps:    []models.AccountSnapshot{snap},
		simulate: fixedProfit(wad.FromInt64(60)),
		execResult: func(req models.CallRequest) (models.ActionResult, error) {
			if req.Action == models.ActionProfitClose {
				return models.ActionResult{}, ledger.ErrExecutionRevert
			}
			return models.ActionResult{Status: models.StatusReverted}, nil
		},
	}
	r := newTestRebalancer(t, g, &stubOptimizer{at: midpoint}, nil)
	report := r.RunCycle(context.Background())

	want := []models.Action{models.ActionProfitOpen, models.ActionProfitClose, models.ActionAllClose}
	if got := g.executedActions(); !reflect.DeepEqual(got, want) {
		t.Errorf("executed = %v, want %v", got, want)
	}
	if !errors.Is(report.Decisions[1].Err, ledger.ErrExecutionRevert) {
		t.Errorf("profit close err = %v", report.Decisions[1].Err)
	}
	if report.Decisions[2].SkipReason != "leverage below max" {
		t.Errorf("deleverage decision = %+v", report.Decisions[2])
	}
}

func TestRunCycle_ReadErrorSkipsCloseChecks(t *testing.T) {
	// First read is the periodic report, second the cycle snapshot.
	g := &stubGateway{
		snaps:    []models.AccountSnapshot{shortSnapshot()},
		readErrs: []error{nil, ledger.ErrRead},
	}
	opt := &stubOptimizer{}
	r := newTestRebalancer(t, g, opt, nil)
	report := r.RunCycle(context.Background())

	if !errors.Is(report.ReadErr, ledger.ErrRead) {
		t.Fatalf("read err = %v", report.ReadErr)
	}
	if len(report.Decisions) != 1 || report.Decisions[0].Action != models.ActionProfitOpen {
		t.Errorf("decisions = %+v", report.Decisions)
	}
	if len(opt.calls) != 1 {
		t.Errorf("optimizer runs = %d, want only profit open", len(opt.calls))
	}
}

func TestRunCycle_NoPositionRunsOnlyProfitOpen(t *testing.T) {
	snap := shortSnapshot()
	snap.Position = wad.Zero()
	g := &stubGateway{snaps: []models.AccountSnapshot{snap}}
	r := newTestRebalancer(t, g, &stubOptimizer{}, nil)
	report := r.RunCycle(context.Background())
	if len(report.Decisions) != 1 {
		t.Errorf("decisions = %d, want 1", len(report.Decisions))
	}
}

func TestRunCycle_RefreshedSnapshotFeedsLaterChecks(t *testing.T) {
	before := shortSnapshot()
	before.FundingRate = wad.MustFromString("-0.01")
	before.IsReceivingFunding = false
	after := before
	after.Position = wad.Zero()

	// reads: report, cycle snapshot, refresh after profit close succeeds.
	g := &stubGateway{
		snaps:    []models.AccountSnapshot{before, before, after},
		simulate: fixedProfit(wad.FromInt64(1)),
	}
	r := newTestRebalancer(t, g, &stubOptimizer{at: midpoint}, nil)
	report := r.RunCycle(context.Background())

	if got := g.executedActions(); !reflect.DeepEqual(got, []models.Action{models.ActionProfitClose}) {
		t.Errorf("executed = %v", got)
	}
	if report.Decisions[3].SkipReason != "no position" {
		t.Errorf("all close decision = %+v", report.Decisions[3])
	}
}

func TestRunCycle_ReportInterval(t *testing.T) {
	snap := shortSnapshot()
	snap.Position = wad.Zero()
	g := &stubGateway{snaps: []models.AccountSnapshot{snap}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRebalancer(t, g, &stubOptimizer{}, clock)

	var reported []bool
	for _, step := range []time.Duration{0, time.Minute, 3 * time.Minute, time.Minute, time.Second} {
		clock.Advance(step)
		reported = append(reported, r.RunCycle(context.Background()).Reported)
	}
	want := []bool{true, false, false, true, false}
	if !reflect.DeepEqual(reported, want) {
		t.Errorf("reported = %v, want %v", reported, want)
	}
	if st := r.Status(); st.Cycles != 5 || !st.LastCycle.Equal(clock.Now()) {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	snap := shortSnapshot()
	snap.Position = wad.Zero()
	g := &stubGateway{snaps: []models.AccountSnapshot{snap}}
	r := newTestRebalancer(t, g, &stubOptimizer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.Status().Cycles < 3 {
		select {
		case <-deadline:
			t.Fatal("loop did not cycle")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// analyticSimulation has a single profit peak of 60 at 37.5 and rejects
// anything above 80.
func analyticSimulation(req models.CallRequest) (models.SimulationResult, error) {
	x := req.Amount.Float64()
	if x > 80 {
		return models.Infeasible("insufficient liquidity"), nil
	}
	profit := 60 - (x-37.5)*(x-37.5)/10
	return models.Feasible(wad.MustFromString(strconv.FormatFloat(profit, 'f', 12, 64))), nil
}

func TestEndToEnd_ProfitOpenFindsAnalyticOptimum(t *testing.T) {
	snap := shortSnapshot()
	snap.Position = wad.Zero()
	g := &stubGateway{snaps: []models.AccountSnapshot{snap}, simulate: analyticSimulation}
	r := newTestRebalancer(t, g, optimize.NewBounded(), nil)

	report := r.RunCycle(context.Background())
	d := report.Decisions[0]
	if d.Proposal == nil {
		t.Fatalf("no proposal: %+v", d)
	}
	if got := d.Proposal.Amount.Float64(); math.Abs(got-37.5) > 0.05 {
		t.Errorf("best amount = %v, want 37.5 within tolerance", got)
	}
	if got := d.Proposal.ProjectedProfit.Float64(); got < 59.999 {
		t.Errorf("projected profit = %v, want ~60", got)
	}
	if len(g.executed) != 1 || !g.executed[0].Amount.Equal(d.Proposal.Amount) || !g.executed[0].Boundary.Equal(wad.FromInt64(50)) {
		t.Errorf("executed = %+v", g.executed)
	}
}
