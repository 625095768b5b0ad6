/*
Package process starts child programs for the bridge and owns their lifecycle.

Two handle types exist. Pipe runs a program with piped stdin and stdout, which is how
language servers speak their protocol; stderr is forwarded to the logger line by line.
PTY runs a program attached to a pseudo-terminal, which is how interactive shells are hosted.

Kill is best-effort and idempotent on both: killing a process that has already exited is
not an error. Start failures are reported as ErrSpawn-coded errors and leave nothing running.
*/
package process
