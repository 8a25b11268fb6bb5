package session

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type cmdlist struct {
	ses  *Session
	args string
	pe   processEntry
}

func newCmdList(ses *Session, args string, pe processEntry) *cmdlist {
	return &cmdlist{
		ses:  ses,
		args: args,
		pe:   pe,
	}
}

func (cmd *cmdlist) requireAuth() *cmdlist {
	if cmd.pe == nil {
		return cmd
	}

	log.WithFields(log.Fields{"cmd": cmd}).Debug("session::cmdlist::requireAuth called")

	if !cmd.ses.authorized() {
		cmd.ses.setState(stateCommand, false, false)
		cmd.ses.sendStatement("530 Not logged in\r\n")
		cmd.pe = nil
		return cmd
	}

	return cmd
}

func (cmd *cmdlist) Execute() {
	log.WithFields(log.Fields{"cmd": cmd}).Debug("session::cmdlist::Execute called")
	if cmd.pe == nil {
		return
	}

	cmd.pe(cmd.ses, cmd.args)
}

func (cmd *cmdlist) String() string {
	return fmt.Sprintf("{ses:%v, args:%v}", cmd.ses, cmd.args)
}
