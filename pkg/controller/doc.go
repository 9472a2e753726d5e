/*
Package controller is the dispatcher: it resolves each request's queue
strategy, places pinned workers via the scheduler and the node
supervisors (retrying capacity rejections with fresh snapshots), and
owns submission, batch submission, cancellation, job lookup and the
synchronous connection test.
*/
package controller
