// Package supervisor launches executables as managed child processes addressed
// by caller-chosen identifiers, relays their output line by line to an event
// sink and kills whole process trees on request.
//
// Every child becomes the root of its own process group. On Linux and macOS the
// group is signalled with kill(-pgid), so helpers spawned by a wrapper script
// die together with it. On Windows the child is started without a console
// window, in a new process group, and assigned to a job object configured with
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE; Terminate ends the job. Processes the
// child spawns before it is assigned to the job are not covered.
//
// The Registry is the only shared mutable state. Each managed process gets one
// streaming goroutine which owns its pipes, reaps it, removes its Registry
// entry and emits exactly one exited event.
package supervisor
