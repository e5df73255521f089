// Package scheduler implements setTimeout/setInterval on top of a coarse
// platform alarm primitive.
//
// Every request arms a named platform alarm (the durable backstop) and records
// it in the active-alarm ledger. Requests finer than the platform minimum add
// an in-process fast timer; intervals finer than the minimum are emulated with
// a chain of phase-offset alarms named <task>__0 … <task>__(N-1).
//
// VerifyAlarmsState reconciles the ledger with the platform once at boot:
// live alarms are left alone, missed one-shots run immediately and pending
// ones are re-armed from the persisted spec.
package scheduler
