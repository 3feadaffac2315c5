package pssh

import (
	"fmt"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohacdm/internal/logging"
	"github.com/lanikai/alohacdm/internal/packet"
)

var log = logging.DefaultLogger.WithTag("pssh")

// routingHeaderSize covers the transport stream id and the EMI.
const routingHeaderSize = 4 + 2

// Routing is the private data of a stream (connect) session box.
type Routing struct {
	// Transport stream id the descrambler is attached to.
	TSID uint32

	// Encryption mode indicator.
	EMI uint16

	// Id of the system session owning the stream. Empty selects the default
	// system session.
	SystemSessionID string
}

func (r Routing) String() string {
	return fmt.Sprintf("tsid=%d emi=%#04x system=%q", r.TSID, r.EMI, r.SystemSessionID)
}

// ParseRouting decodes stream routing private data. An empty payload yields
// the zero Routing.
func ParseRouting(private []byte) (Routing, error) {
	var rt Routing
	if len(private) == 0 {
		return rt, nil
	}
	r := packet.NewReader(private)
	if err := r.CheckRemaining(routingHeaderSize); err != nil {
		return rt, errors.Errorf("routing data: %w", err)
	}
	rt.TSID = r.ReadUint32()
	rt.EMI = r.ReadUint16()
	rt.SystemSessionID = string(r.ReadRemaining())
	return rt, nil
}

// Bytes encodes r as stream routing private data.
func (r Routing) Bytes() []byte {
	w := packet.NewWriterSize(routingHeaderSize + len(r.SystemSessionID))
	w.WriteUint32(r.TSID)
	w.WriteUint16(r.EMI)
	w.WriteString(r.SystemSessionID)
	return w.Bytes()
}
