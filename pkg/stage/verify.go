package stage

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cgast/missionctl/pkg/mission"
	"github.com/cgast/missionctl/pkg/pipeline"
)

// Verify runs every registered check for each candidate and splits them
// into accepted and rejected.
type Verify struct {
	d      Deps
	logger *slog.Logger
}

// NewVerify creates the verification stage.
func NewVerify(d Deps) *Verify {
	d = d.withDefaults()
	return &Verify{d: d, logger: d.Logger.With("component", "stage.verify")}
}

func (s *Verify) Step() pipeline.Step { return pipeline.StepVerify }

func (s *Verify) Run(ctx context.Context, st pipeline.State) (pipeline.State, error) {
	m := st.Mission
	scope, ledger := scopeFor(st)

	cands := st.Candidates
	if len(cands) > s.d.Limits.VerifyMax {
		cands = cands[:s.d.Limits.VerifyMax]
	}
	names := s.d.Checkers.Names()

	checks := make([]mission.Checks, len(cands))
	results := make([][]CheckResult, len(cands))
	var g errgroup.Group
	g.SetLimit(s.d.Limits.Concurrency)
	for i, c := range cands {
		results[i] = make([]CheckResult, len(names))
		in := CheckInput{Tools: s.d.Tools, Scope: scope, Mission: m, Candidate: c, SKUID: c.DefaultSKU()}
		for j, name := range names {
			check := s.d.Checkers.Get(name)
			g.Go(func() error {
				results[i][j] = check(ctx, in, &checks[i])
				return nil
			})
		}
	}
	_ = g.Wait()

	var accepted, rejected []mission.VerifiedCandidate
	for i, c := range cands {
		vc := mission.VerifiedCandidate{Candidate: c, SKUID: c.DefaultSKU(), Checks: checks[i], Passed: true}
		for _, r := range results[i] {
			vc.Warnings = append(vc.Warnings, r.Warnings...)
			if r.Reject != "" && vc.Passed {
				vc.Passed = false
				vc.RejectionReason = r.Reject
			}
		}
		if err := vc.CheckInvariant(m); err != nil {
			vc.Passed = false
			vc.RejectionReason = err.Error()
		}
		if vc.Passed {
			accepted = append(accepted, vc)
		} else {
			rejected = append(rejected, vc)
			s.logger.Debug("verify.rejected", "offer_id", c.OfferID, "reason", vc.RejectionReason)
		}
	}
	sortByTotal(accepted)

	st.Verified = accepted
	st.Rejected = rejected
	st.ToolCalls = ledger.Records()
	st.CurrentStep = pipeline.CurrentVerified
	s.logger.Info("verify.complete", "checked", len(cands), "passed", len(accepted), "rejected", len(rejected))
	return st, nil
}

// sortByTotal orders candidates by ascending total price. Candidates without
// pricing go last; ties keep their search order.
func sortByTotal(vcs []mission.VerifiedCandidate) {
	sort.SliceStable(vcs, func(i, j int) bool {
		a, aok := vcs[i].TotalPrice()
		b, bok := vcs[j].TotalPrice()
		if aok != bok {
			return aok
		}
		return aok && a.LessThan(b)
	})
}
