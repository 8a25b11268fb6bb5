package session

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/R-YaTian/ftpd/ftp/socket"
)

// processPASV opens a listening socket next to the control socket's
// local address and parks the session until a transfer command picks
// the connection up.
func (ses *Session) processPASV(args string) {
	// reset any previous data channel
	ses.setState(stateCommand, true, true)
	ses.pasv = false
	ses.port = false

	pasv, err := socket.Create()
	if err != nil {
		ses.sendStatement("451 Failed to create listening socket\r\n")
		return
	}
	ses.pasvSocket = pasv

	pasv.SetRecvBufferSize(sockBufferSize)
	pasv.SetSendBufferSize(sockBufferSize)

	local, err := ses.commandSocket.SockName()
	if err != nil {
		ses.closePasv()
		ses.sendStatement("451 Failed to bind address\r\n")
		return
	}

	addr := &unix.SockaddrInet4{Addr: local.Addr}

	// a configured range cycles like the classic ephemeral counter;
	// otherwise the kernel picks
	if ses.pa != nil {
		if port, err := ses.pa.AssignPort(); err == nil {
			ses.pasvPort = port
			addr.Port = port
		}
	}

	if err := pasv.Bind(addr); err != nil && addr.Port != 0 {
		// range port taken by someone else, fall back to ephemeral
		ses.pa.ReleasePort(ses.pasvPort)
		ses.pasvPort = 0
		addr.Port = 0
		err = pasv.Bind(addr)

		if err != nil {
			ses.closePasv()
			ses.sendStatement("451 Failed to bind address\r\n")
			return
		}
	} else if err != nil {
		ses.closePasv()
		ses.sendStatement("451 Failed to bind address\r\n")
		return
	}

	if err := pasv.Listen(1); err != nil {
		ses.closePasv()
		ses.sendStatement("451 Failed to listen on socket\r\n")
		return
	}

	pasv.SetNonBlocking()

	name, err := pasv.SockName()
	if err != nil {
		ses.closePasv()
		ses.sendStatement("451 Failed to listen on socket\r\n")
		return
	}

	log.WithFields(log.Fields{
		"addr": socket.SockaddrString(name),
	}).Info("session::Session::processPASV listening")

	ses.pasv = true
	ses.sendStatementf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d).\r\n",
		name.Addr[0], name.Addr[1], name.Addr[2], name.Addr[3],
		name.Port>>8, name.Port&0xFF)
}

// processPORT records the peer address for an active-mode connection.
func (ses *Session) processPORT(args string) {
	// reset any previous data channel
	ses.setState(stateCommand, true, true)
	ses.pasv = false
	ses.port = false

	parts := strings.Split(args, ",")
	if len(parts) != 6 {
		ses.sendStatement("501 invalid argument\r\n")
		return
	}

	var vals [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			ses.sendStatement("501 invalid argument\r\n")
			return
		}
		vals[i] = v
	}

	addr := &unix.SockaddrInet4{
		Port: vals[4]<<8 | vals[5],
	}
	addr.Addr[0] = byte(vals[0])
	addr.Addr[1] = byte(vals[1])
	addr.Addr[2] = byte(vals[2])
	addr.Addr[3] = byte(vals[3])

	// we are ready to connect to the client
	ses.portAddr = addr
	ses.port = true
	ses.sendStatement("200 OK\r\n")
}

// dataAccept picks up the pending PASV connection once the listening
// socket polls readable.
func (ses *Session) dataAccept() bool {
	if !ses.pasv {
		ses.sendStatement("503 Bad sequence of commands\r\n")
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.pasv = false

	peer, err := ses.pasvSocket.Accept()
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("session::Session::dataAccept accept failed")
		ses.sendStatement("425 Failed to establish connection\r\n")
		ses.setState(stateCommand, true, true)
		return false
	}

	ses.dataSocket = peer

	peer.SetRecvBufferSize(sockBufferSize)
	peer.SetSendBufferSize(sockBufferSize)

	// we are ready to transfer data
	ses.sendStatement("150 Ready\r\n")
	ses.setState(stateDataTransfer, true, false)
	return true
}

// dataConnect starts the active-mode connection. A pending
// EINPROGRESS completes on POLLOUT.
func (ses *Session) dataConnect() bool {
	ses.port = false

	data, err := socket.Create()
	if err != nil {
		return false
	}

	ses.dataSocket = data

	data.SetRecvBufferSize(sockBufferSize)
	data.SetSendBufferSize(sockBufferSize)

	if err := data.SetNonBlocking(); err != nil {
		return false
	}

	if err := data.Connect(ses.portAddr); err != nil {
		if err == unix.EINPROGRESS {
			return true
		}

		log.WithFields(log.Fields{
			"peer": socket.SockaddrString(ses.portAddr),
			"err":  err,
		}).Warn("session::Session::dataConnect connect failed")
		return false
	}

	// connected synchronously
	ses.sendStatement("150 Ready\r\n")
	ses.setState(stateDataTransfer, true, false)
	return true
}
