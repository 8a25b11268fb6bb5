package session

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/R-YaTian/ftpd/ftp/socket"
)

// PollTimeout bounds one scheduler tick.
const PollTimeout = 100 * time.Millisecond

// transferBurst caps how many engine steps one session may run per
// tick so a large transfer cannot monopolize the loop.
const transferBurst = 10

type pollTarget int

const (
	targetCommand pollTarget = iota
	targetPasv
	targetData
)

// Poll runs one scheduler tick over all sessions: drain the pending
// close list, poll every live socket, dispatch events fairly and
// enforce the idle timeout.
func Poll(sessions []*Session) error {
	drainPendingClose(sessions)

	infos := make([]socket.PollInfo, 0, 2*len(sessions))
	owners := make([]*Session, 0, 2*len(sessions))
	targets := make([]pollTarget, 0, 2*len(sessions))

	for _, ses := range sessions {
		if ses.commandSocket != nil {
			events := int16(socket.PollIn | socket.PollPri)
			if !ses.responseBuffer.Empty() {
				events |= socket.PollOut
			}

			infos = append(infos, socket.PollInfo{Socket: ses.commandSocket, Events: events})
			owners = append(owners, ses)
			targets = append(targets, targetCommand)
		}

		switch ses.state {
		case stateCommand:
			// waiting for a command; nothing extra to poll

		case stateDataConnect:
			if ses.pasv {
				// waiting for the PASV connection
				infos = append(infos, socket.PollInfo{Socket: ses.pasvSocket, Events: socket.PollIn})
				owners = append(owners, ses)
				targets = append(targets, targetPasv)
			} else {
				// waiting for the PORT connection to complete
				infos = append(infos, socket.PollInfo{Socket: ses.dataSocket, Events: socket.PollOut})
				owners = append(owners, ses)
				targets = append(targets, targetData)
			}

		case stateDataTransfer:
			events := int16(socket.PollOut)
			if ses.recv {
				events = socket.PollIn
			}

			infos = append(infos, socket.PollInfo{Socket: ses.dataSocket, Events: events})
			owners = append(owners, ses)
			targets = append(targets, targetData)
		}
	}

	if len(infos) == 0 {
		return nil
	}

	if _, err := socket.Poll(infos, PollTimeout); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("session::Poll poll failed")
		return err
	}

	now := time.Now()

	for i := range infos {
		revents := infos[i].REvents
		if revents == 0 {
			continue
		}

		ses := owners[i]
		ses.handledTick = true

		switch targets[i] {
		case targetCommand:
			ses.serviceCommand(infos[i].Socket, revents)
		default:
			ses.serviceData(infos[i].Socket, revents)
		}
	}

	for _, ses := range sessions {
		if !ses.handledTick && now.Sub(ses.timestamp) >= idleTimeout {
			log.WithFields(log.Fields{"ses": ses}).Info("session::Poll idle timeout")
			ses.closeCommand()
			ses.closePasv()
			ses.closeData()
		}

		ses.handledTick = false
	}

	return nil
}

func drainPendingClose(sessions []*Session) {
	var infos []socket.PollInfo
	var owners []*Session

	for _, ses := range sessions {
		for _, s := range ses.pendingClose {
			infos = append(infos, socket.PollInfo{Socket: s, Events: socket.PollIn})
			owners = append(owners, ses)
		}
	}

	if len(infos) == 0 {
		return
	}

	if _, err := socket.Poll(infos, 0); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("session::drainPendingClose poll failed")
		return
	}

	for i := range infos {
		if infos[i].REvents == 0 {
			continue
		}

		ses := owners[i]
		for j, s := range ses.pendingClose {
			if s == infos[i].Socket {
				s.Close()
				ses.pendingClose = append(ses.pendingClose[:j], ses.pendingClose[j+1:]...)
				break
			}
		}
	}
}

func (ses *Session) serviceCommand(s *socket.Socket, revents int16) {
	if ses.commandSocket != s {
		// closed earlier in this tick
		return
	}

	if ses.dataSocket == nil && revents&socket.PollOut != 0 {
		ses.writeResponse()
	}

	if ses.commandSocket == s && revents&(socket.PollIn|socket.PollPri) != 0 {
		ses.readCommand(revents)
	}

	if ses.commandSocket == s && revents&(socket.PollErr|socket.PollHup) != 0 {
		ses.closeCommand()
	}
}

func (ses *Session) serviceData(s *socket.Socket, revents int16) {
	switch ses.state {
	case stateCommand:
		// the transfer ended earlier in this tick

	case stateDataConnect:
		if ses.pasvSocket != s && ses.dataSocket != s {
			return
		}

		if revents&(socket.PollErr|socket.PollHup) != 0 {
			ses.sendStatement("426 Data connection failed\r\n")
			ses.setState(stateCommand, true, true)
			return
		}

		if revents&socket.PollIn != 0 {
			// accept the PASV connection
			ses.dataAccept()
			return
		}

		if revents&socket.PollOut != 0 {
			// PORT connection completed
			log.WithFields(log.Fields{"ses": ses}).Info("session::Session::serviceData connected")
			ses.sendStatement("150 Ready\r\n")
			ses.setState(stateDataTransfer, true, false)
		}

	case stateDataTransfer:
		if ses.dataSocket != s {
			return
		}

		if revents&(socket.PollErr|socket.PollHup) != 0 {
			ses.sendStatement("426 Data connection failed\r\n")
			ses.setState(stateCommand, true, true)
			return
		}

		if revents&(socket.PollIn|socket.PollOut) != 0 {
			for i := 0; i < transferBurst; i++ {
				if !ses.transfer(ses) {
					break
				}
			}
		}
	}
}
