/*
Package workflow defines operation workflows: their state graphs, the
state payloads exchanged on command topics and the loading of workflow
definitions.

# Operations and commands

An operation (e.g. "software_update" or "config_snapshot") is something an
entity can be asked to do. An entity declares that it supports an
operation by publishing a capability. A requester asks an entity to
perform an operation by creating a command instance: a retained message
on the command topic holding a payload whose "status" field is "init".

From then on the command moves from state to state. Each state is owned
by a participant (the requester, the engine or the agent acting on the
device) which, when done with its part, publishes a replacement payload
with a new status. The command ends in one of the two terminal states
"successful" or "failed" after which the original requester clears the
topic by publishing an empty retained message.

# Definitions

A Definition is the static state graph of an operation. It names exactly
one initial state ("init") and the two terminal states; every other state
lists the states that may follow it. Any participant may always move a
non-terminal command to "failed" (with a "reason") to report an
unrecoverable local error.

States having a single successor and the "proceed" action are no-op
states: the engine moves commands through them automatically unless a
handler was registered for that state. They are the extension points of
a workflow, e.g. to validate a downloaded file before it is installed.

Definitions are loaded from TOML files, one operation per file:

	operation = "firmware_update"
	timeout = "1h"
	max_attempts = 3

	[init]
	action = "proceed"
	on_success = "scheduled"

	[scheduled]
	owner = "agent"
	next = ["downloading"]

	...

# Payloads

Payloads are open documents. Besides the status, reason and attempt
fields every operation defines its own fields and third parties are free
to add more. A Payload is therefore kept as a map and fields that are not
understood are carried into every following state unchanged.
*/
package workflow
