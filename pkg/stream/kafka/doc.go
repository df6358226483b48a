// Package kafka connects the station stream to a Kafka cluster with sarama.
//
// Client implements stream.Broker:
//   - Subscribe: one sarama consumer group per subscription. Partition
//     assignments go through stream.AssignmentManager in the group handler's
//     Setup, before sarama fetches anything, and the earliest policy rewinds
//     claims with ResetOffset.
//   - Publish: a SyncProducer with the manual partitioner, so the partition
//     chosen by the group-by stage is the one written to.
//   - ReadChangelog: plain partition consumers reading each partition from
//     the oldest offset to the high water mark captured at start.
//   - TopicExists, CreateTopic, Partitions: ClusterAdmin and client metadata.
//
// Topic naming conventions:
//   - Case-sensitive, no spaces
//   - Valid chars: alphanumeric, `.`, `-`, `_`
//   - Recommended max length: 249 bytes
//
// Message format:
//   - Key: grouping key of the projection (station name or id)
//   - Value: JSON
//   - Headers: source partition and offset on changelog records
//
// Configuration:
//   - Replication Factor: Minimum 2 recommended for production
//   - The changelog topic is compacted and never expires
package kafka
