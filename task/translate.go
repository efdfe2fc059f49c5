package task

import (
	"strconv"

	"github.com/flowcore/datastream/model"
)

// translateRecord builds the internal envelope and ProducerRecord for one
// polled record, per spec §4.E.1.
func translateRecord(rec model.Record, ds model.Datastream, mirror bool, identityPartitioning bool) model.ProducerRecord {
	meta := map[string]string{
		model.MetaOriginCluster:   ds.SourceConnectionString,
		model.MetaOriginTopic:     rec.Topic,
		model.MetaOriginPartition: strconv.Itoa(int(rec.Partition)),
		model.MetaOriginOffset:    strconv.FormatInt(rec.Offset, 10),
		model.MetaEventTimestamp:  strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
	}
	if rec.TimestampKind == model.TimestampLogAppend {
		meta[model.MetaSourceTimestamp] = strconv.FormatInt(rec.Timestamp.UnixMilli(), 10)
	}

	env := model.Envelope{
		Key:      rec.Key,
		Value:    rec.Value,
		Metadata: meta,
	}

	var target *int32
	if identityPartitioning {
		p := rec.Partition
		target = &p
	}

	return model.ProducerRecord{
		Envelope:              env,
		Destination:           ds.DestinationConnectionString,
		CheckpointToken:       model.FormatCheckpointToken(mirror, rec.Topic, rec.Partition, rec.Offset),
		TargetPartition:       target,
		EventsSourceTimestamp: rec.Timestamp.UnixMilli(),
	}
}
