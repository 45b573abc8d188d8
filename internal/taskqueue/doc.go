// Package taskqueue is the task queue the agent hands deferred work to. Queue
// authorities enqueue compiled transactions together with a crank reward; a
// crank later replays each due task on behalf of the payer that queued it and
// collects the reward.
package taskqueue
