package schemas

import (
	"time"
)

// FlowAggregate is one periodic traffic summary produced by the ingestion and
// enrichment pipeline. It is the sole input of the dependency builder.
//
// Validation tags are enforced by the builder before any store access; a
// failing aggregate is skipped as malformed, never fatal.
type FlowAggregate struct {
	SrcIP       string    `json:"src_ip" validate:"required,ip"`
	DstIP       string    `json:"dst_ip" validate:"required,ip"`
	DstPort     uint16    `json:"dst_port"`
	Protocol    uint8     `json:"protocol"`
	Bytes       uint64    `json:"bytes_total"`
	Packets     uint64    `json:"packets_total"`
	Flows       uint64    `json:"flows_count" validate:"min=1"`
	WindowStart time.Time `json:"window_start" validate:"required"`
	WindowEnd   time.Time `json:"window_end" validate:"required,gtefield=WindowStart"`
}

// Delta converts the aggregate's counters into a relative traffic delta.
func (f FlowAggregate) Delta() TrafficDelta {
	return TrafficDelta{
		Bytes:       f.Bytes,
		Packets:     f.Packets,
		Flows:       f.Flows,
		WindowStart: f.WindowStart,
		WindowEnd:   f.WindowEnd,
	}
}
