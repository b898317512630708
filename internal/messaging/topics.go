package messaging

// Topic constants for miner event streams
const (
	TopicShares      = "miner.shares"      // share outcomes
	TopicJobs        = "miner.jobs"        // jobs taken from the pool
	TopicHashrate    = "miner.hashrate"    // periodic throughput samples
	TopicConnections = "miner.connections" // pool connection state
)

// TopicFor returns the topic an event kind is published to.
func TopicFor(kind Kind) string {
	switch kind {
	case KindShare:
		return TopicShares
	case KindJob:
		return TopicJobs
	case KindHashrate:
		return TopicHashrate
	case KindConnection:
		return TopicConnections
	default:
		return "miner." + string(kind)
	}
}
