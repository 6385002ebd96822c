// Package cleanup implements the per-stage trap registry.
//
// A stage registers an undo [Action] for every resource it acquires. When
// the stage's execution window closes, [Registry.RunAll] runs the actions
// last-in first-out, like deferred calls or a shell EXIT trap. Actions are
// removed as they run, so draining a registry twice runs each action once.
//
// An action whose resource must outlive the stage (a mount a later stage
// depends on) is promoted: [Registry.Promote] removes it from the registry
// and hands it to an [Adopter], normally the build environment, which
// releases it at teardown instead.
//
// Actions must be idempotent. Pipeline teardown may release a resource
// whose stage-level cleanup already ran.
package cleanup
