/*
Package types defines the data model shared by every core component:
frameworks, executors, tasks, status updates, and the resource arithmetic
the task-state invariants need.

# Ownership graph

Frameworks own executors; executors own tasks. There are no back-pointers —
every other package resolves entities through pkg/registry by ID rather than
following pointers, which is what lets completed executors and tasks move
into bounded ring buffers without deletion-ordering hazards.

# State machines

TaskState is STAGING -> STARTING -> RUNNING -> one of the four terminal
states. IsTerminal is the only behavior attached to it; everything else
(queueing, retries, acknowledgement) lives in pkg/statusupdate.
*/
package types
