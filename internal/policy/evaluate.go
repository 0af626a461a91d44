package policy

// Evaluate applies rules to a request.
//
// Evaluation order (must not be changed):
//  1. Signal detection, independent of the decision
//  2. Deny lists, action before tool
//  3. Strict-mode allowlists, action before tool
//  4. Allow
//
// An empty allowlist imposes no restriction on its dimension, so Strict with
// empty allowlists behaves like Balanced.
func Evaluate(rules RuleSet, ctx RequestContext) Result {
	signals := detectSignals(rules, ctx)

	if rules.DenyActions.Has(ctx.Action) {
		return block(ReasonActionDenied, signals)
	}
	if rules.DenyTools.Has(ctx.Tool) {
		return block(ReasonToolDenied, signals)
	}

	if rules.Mode == ModeStrict {
		if !rules.AllowActions.Empty() && !rules.AllowActions.Has(ctx.Action) {
			return block(ReasonActionNotAllowlisted, signals)
		}
		if !rules.AllowTools.Empty() && !rules.AllowTools.Has(ctx.Tool) {
			return block(ReasonToolNotAllowlisted, signals)
		}
	}

	return Result{Decision: DecisionAllow, Reason: ReasonAllowed, Signals: signals}
}

func detectSignals(rules RuleSet, ctx RequestContext) []Signal {
	signals := []Signal{}

	if IsHighRisk(ctx.Action) {
		signals = AppendSignals(signals, SignalHighRiskAction)
	}
	if !rules.AllowTools.Empty() && !rules.AllowTools.Has(ctx.Tool) {
		signals = AppendSignals(signals, SignalUnknownTool)
	}
	if ctx.BurstRate >= BurstThreshold {
		signals = AppendSignals(signals, SignalBurstRate)
	}

	return signals
}

func block(reason string, signals []Signal) Result {
	return Result{Decision: DecisionBlock, Reason: reason, Signals: signals}
}
