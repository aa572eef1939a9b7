/*
Package runtime wraps the containerd client API with the operations the
containerd isolator backend needs: pulling images, creating and starting
a container from a ContainerSpec, waiting for and stopping its task, and
reading basic liveness/usage. It does not implement scheduling, recovery,
or executor bookkeeping — pkg/isolator/containerd composes this package
with that logic, keeping the low-level containerd calls separate from
executor-lifecycle policy.

# Namespace

All containers run in the "agentcore" containerd namespace
(DefaultNamespace), keeping agent-launched containers isolated from
anything else using the same containerd daemon.

# Usage

	rt, err := runtime.NewContainerdRuntime(socketPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.PullImage(ctx, spec.Image); err != nil {
		return err
	}
	id, err := rt.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	pid, err := rt.StartContainer(ctx, id)

Wait blocks until a container's task exits and reports its exit code;
callers run it in its own goroutine to use as the isolator's termination
future. StopContainer sends SIGTERM, waits out a caller-supplied timeout,
then escalates to SIGKILL. DeleteContainer stops (best-effort) and then
removes the container and its snapshot; like the isolator interface it
backs, it is idempotent on an already-gone container.

# Resource accounting

Metrics' task.Metrics() payload is decoded per cgroup version by
containerd's own typeurl registration, which this package does not
unmarshal — ResourceStatistics accounting in this core stays at the flat
granularity the agent's own isolator interface exposes, so Metrics
returns zero usage today and
documents where a caller needing byte-accurate cgroup figures should
decode task.Metrics() for their cgroup version.
*/
package runtime
