// Package failover runs one verification of a primary failover.
//
// A run writes a tagged row on the current primary, waits until every replica
// applied the GTID watermark of that write and can read the row, hands over to
// whoever kills the primary, waits for the orchestration service to promote a
// new primary, and then repeats the write and verification against the new
// primary and the replicas that are left.
//
// The runner never stops the primary itself. A FaultInjector either tells an
// operator what to do or runs a configured hook command.
package failover
