package schema

import "strings"

// Topic names a bus publication channel.
type Topic string

// DataTopic builds the live-data topic for a (kind, instrument) pair.
func DataTopic(kind DataKind, id InstrumentID) Topic {
	return Topic(strings.Join([]string{"data", string(kind), string(id.Venue), id.Symbol}, "."))
}

// VenueTopic builds the live-data topic for venue-scoped streams.
func VenueTopic(kind DataKind, venue Venue) Topic {
	return Topic(strings.Join([]string{"data", string(kind), string(venue)}, "."))
}

// BarTopic builds the live-data topic for a bar stream.
func BarTopic(barType BarType) Topic {
	return Topic("data." + string(KindBar) + "." + barType.String())
}

// ResponseTopic builds the per-correlation response topic.
func ResponseTopic(correlationID string) Topic {
	return Topic("resp." + correlationID)
}
