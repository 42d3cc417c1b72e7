package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a fixed-size receive buffer handed out by the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. The only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		LogError("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok {
		LogError("NewPayload: Invalid data type of bufferLength. Should be of type int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset forgets the content. The bytes are overwritten by the next read.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: Source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// buffer exposes the whole backing array for a socket read.
func (p *Payload) buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) setLength(n int) {
	p.length = n
}

// PayloadPool wraps the ring pool of receive buffers shared by the links of
// one endpoint. Every buffer can hold the largest possible datagram.
type PayloadPool struct {
	pool *rp.RingPool
}

func NewPayloadPool(name string, config *EndpointConfig) *PayloadPool {
	rp.Debug = config.PoolDebug
	pool := rp.NewRingPool(name, config.PayloadPoolSize, NewPayload, MaxSegmentSize)
	pool.Debug = config.PoolDebug
	pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond
	return &PayloadPool{pool: pool}
}

// Datagram is one received datagram whose bytes live in a pool element until
// Release is called.
type Datagram struct {
	chunk *rp.Element
	pool  *PayloadPool
}

// Get takes a buffer from the pool.
func (pp *PayloadPool) Get() *Datagram {
	return &Datagram{chunk: pp.pool.GetElement(), pool: pp}
}

func (d *Datagram) payload() *Payload {
	return d.chunk.Data.(*Payload)
}

// Bytes returns the datagram content.
func (d *Datagram) Bytes() []byte {
	return d.payload().GetSlice()
}

// Release returns the buffer to the pool. The datagram must not be used afterwards.
func (d *Datagram) Release() {
	if d.chunk == nil {
		return
	}
	d.pool.pool.ReturnElement(d.chunk)
	d.chunk = nil
}

// enqueued and dequeued record channel hops for the pool's debug footprints.
func (d *Datagram) enqueued(chanStr string) {
	if rp.Debug {
		d.chunk.AddChannel(chanStr)
	}
}

func (d *Datagram) dequeued() {
	if rp.Debug {
		d.chunk.TickChannel()
	}
}

// readFrom fills the datagram from a packet reader.
func (d *Datagram) readFrom(read func([]byte) (int, error)) error {
	p := d.payload()
	n, err := read(p.buffer())
	if err != nil {
		return err
	}
	p.setLength(n)
	return nil
}
