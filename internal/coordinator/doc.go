// Package coordinator wires the cohort pipeline and the alert subsystem
// onto a queue transport: it builds the stages, seeds initial data and runs
// every worker pool until the context ends.
package coordinator
