// Package acquire polls the provisioning backend for a newly created agent's
// pairing code.
//
// A Loop makes at most MaxAttempts fetches, one per Interval, and the first
// fetch happens one interval after Start. It stops on the first available
// code, on exhaustion, on an expired session, or when cancelled. Results of a
// fetch that completes after Cancel are discarded and no callback runs.
//
//	l := acquire.New(svc, "+5511999990001", acquire.Options{
//	    OnDone: func(o acquire.Outcome) { ... },
//	})
//	if err := l.Start(ctx); err != nil {
//	    return err
//	}
//	defer l.Cancel()
//
// Registry keeps one live Loop per agent so that re-provisioning an agent
// replaces its previous loop instead of running two.
package acquire
