// Package stream implements the stateful core of the station stream.
//
// Records flow through two stages that only communicate through the broker:
//
//	inbound topic -> Loop -> station.Decode -> station.Transform -> GroupBy -> outbound topic
//	outbound topic -> Loop -> GroupBy key -> Table.Apply -> changelog topic
//
// The Table keeps the latest projection per key. Each upsert is written to
// the changelog before the in-memory map changes, and Recover replays the
// changelog from its earliest offset before any lookup is served.
//
// Broker access goes through small interfaces (Source, Sink, TopicAdmin,
// ChangelogReader, Subscriber). The kafka sub-package implements them with
// sarama; memlog implements them in memory.
package stream
