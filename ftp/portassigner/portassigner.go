// Package portassigner implements a thread safe
// cycling PASV port assigner over a predefined range
package portassigner

import (
	"fmt"

	"github.com/mindflavor/goserializer"
	log "github.com/sirupsen/logrus"
)

const noMorePorts = -1

// PortAssigner hands out candidate PASV ports from a configured range,
// cycling like the classic ephemeral counter. The caller binds the
// port itself and releases it when the data connection is torn down.
// As soon as it's closed you can no longer call its methods.
type PortAssigner interface {
	AssignPort() (int, error)
	ReleasePort(port int)
	Close()
}

type paService struct {
	minPASVPort int
	maxPASVPort int
	cursor      int
	inUse       map[int]bool
	handler     serializer.Serializer
}

// New creates a new portassigner cycling over [minPASVPort,
// maxPASVPort).
func New(minPASVPort, maxPASVPort int) PortAssigner {
	log.WithFields(log.Fields{
		"minPASVPort": minPASVPort,
		"maxPASVPort": maxPASVPort,
	}).Debug("portassigner::New called")

	return &paService{
		minPASVPort: minPASVPort,
		maxPASVPort: maxPASVPort,
		cursor:      minPASVPort,
		inUse:       make(map[int]bool),
		handler:     serializer.New(),
	}
}

func (pa *paService) AssignPort() (int, error) {
	ret := pa.handler.Serialize(func() interface{} {
		span := pa.maxPASVPort - pa.minPASVPort
		for i := 0; i < span; i++ {
			p := pa.cursor
			pa.cursor++
			if pa.cursor >= pa.maxPASVPort {
				pa.cursor = pa.minPASVPort
			}

			if !pa.inUse[p] {
				pa.inUse[p] = true
				return p
			}
		}
		return noMorePorts
	})

	port := ret.(int)
	if port == noMorePorts {
		return port, fmt.Errorf("no more ports available")
	}

	return port, nil
}

func (pa *paService) ReleasePort(port int) {
	pa.handler.Serialize(func() interface{} {
		delete(pa.inUse, port)
		return nil
	})
}

func (pa *paService) Close() {
	pa.handler.Close()
}

func (pa *paService) String() string {
	return fmt.Sprintf("{range %d-%d, cursor: %d}", pa.minPASVPort, pa.maxPASVPort, pa.cursor)
}
