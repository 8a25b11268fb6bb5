package session

import (
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/R-YaTian/ftpd/ftp/dirent"
	"github.com/R-YaTian/ftpd/ftp/ftppath"
)

type processEntry func(ses *Session, args string)

type handlerEntry struct {
	verb           string
	needsAuth      bool
	duringTransfer bool
	process        processEntry
}

// handlers is sorted by verb; dispatch runs a case-insensitive binary
// search over it.
var handlers = []handlerEntry{
	{"ABOR", true, true, (*Session).processABOR},
	{"ALLO", true, false, (*Session).processALLO},
	{"APPE", true, false, (*Session).processAPPE},
	{"CDUP", true, false, (*Session).processCDUP},
	{"CWD", true, false, (*Session).processCWD},
	{"DELE", true, false, (*Session).processDELE},
	{"FEAT", false, false, (*Session).processFEAT},
	{"HELP", false, false, (*Session).processHELP},
	{"LIST", true, false, (*Session).processLIST},
	{"MDTM", true, false, (*Session).processMDTM},
	{"MKD", true, false, (*Session).processMKD},
	{"MLSD", true, false, (*Session).processMLSD},
	{"MLST", true, false, (*Session).processMLST},
	{"MODE", true, false, (*Session).processMODE},
	{"NLST", true, false, (*Session).processNLST},
	{"NOOP", false, true, (*Session).processNOOP},
	{"OPTS", false, false, (*Session).processOPTS},
	{"PASS", false, false, (*Session).processPASS},
	{"PASV", true, false, (*Session).processPASV},
	{"PORT", true, false, (*Session).processPORT},
	{"PWD", true, true, (*Session).processPWD},
	{"QUIT", false, true, (*Session).processQUIT},
	{"REST", true, false, (*Session).processREST},
	{"RETR", true, false, (*Session).processRETR},
	{"RMD", true, false, (*Session).processRMD},
	{"RNFR", true, false, (*Session).processRNFR},
	{"RNTO", true, false, (*Session).processRNTO},
	{"SITE", false, false, (*Session).processSITE},
	{"SIZE", true, false, (*Session).processSIZE},
	{"STAT", true, true, (*Session).processSTAT},
	{"STOR", true, false, (*Session).processSTOR},
	{"STOU", true, false, (*Session).processSTOU},
	{"STRU", true, false, (*Session).processSTRU},
	{"SYST", false, false, (*Session).processSYST},
	{"TYPE", true, false, (*Session).processTYPE},
	{"USER", false, false, (*Session).processUSER},
	{"XCUP", true, false, (*Session).processCDUP},
	{"XCWD", true, false, (*Session).processCWD},
	{"XMKD", true, false, (*Session).processMKD},
	{"XPWD", true, true, (*Session).processPWD},
	{"XRMD", true, false, (*Session).processRMD},
}

func lookupHandler(verb string) *handlerEntry {
	upper := strings.ToUpper(verb)

	i := sort.Search(len(handlers), func(i int) bool {
		return handlers[i].verb >= upper
	})

	if i < len(handlers) && handlers[i].verb == upper {
		return &handlers[i]
	}

	return nil
}

func (ses *Session) processABOR(args string) {
	if ses.state == stateCommand {
		ses.sendStatement("225 No transfer to abort\r\n")
		return
	}

	// abort the transfer
	ses.sendStatement("225 Aborted\r\n")
	ses.sendStatement("425 Transfer aborted\r\n")
	ses.setState(stateCommand, true, true)
}

func (ses *Session) processALLO(args string) {
	ses.sendStatement("202 Superfluous command\r\n")
	ses.setState(stateCommand, false, false)
}

func (ses *Session) processAPPE(args string) {
	// open the file in append mode
	ses.xferFile(args, xferAppe)
}

func (ses *Session) processCDUP(args string) {
	ses.setState(stateCommand, false, false)

	if err := ses.changeDir(".."); err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.sendStatement("200 OK\r\n")
}

func (ses *Session) processCWD(args string) {
	ses.setState(stateCommand, false, false)

	if err := ses.changeDir(args); err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.sendStatement("200 OK\r\n")
}

func (ses *Session) processDELE(args string) {
	ses.setState(stateCommand, false, false)

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		return
	}

	if err := ses.fsys.Remove(path); err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.bridge.UpdateFreeSpace()
	ses.sendStatement("250 OK\r\n")
}

func (ses *Session) processFEAT(args string) {
	ses.setState(stateCommand, false, false)

	star := func(on bool) string {
		if on {
			return "*"
		}
		return ""
	}

	ses.sendStatementf("211-\r\n"+
		" MDTM\r\n"+
		" MLST Type%s;Size%s;Modify%s;Perm%s;UNIX.mode%s;\r\n"+
		" MODE Z\r\n"+
		" PASV\r\n"+
		" SIZE\r\n"+
		" TVFS\r\n"+
		" UTF8\r\n"+
		"\r\n"+
		"211 End\r\n",
		star(ses.facts.Type),
		star(ses.facts.Size),
		star(ses.facts.Modify),
		star(ses.facts.Perm),
		star(ses.facts.UnixMode))
}

func (ses *Session) processHELP(args string) {
	ses.setState(stateCommand, false, false)

	ses.sendStatement("214-\r\n" +
		"The following commands are recognized\r\n" +
		" ABOR ALLO APPE CDUP CWD DELE FEAT HELP LIST MDTM MKD MLSD MLST MODE\r\n" +
		" NLST NOOP OPTS PASS PASV PORT PWD QUIT REST RETR RMD RNFR RNTO SITE\r\n" +
		" SIZE STAT STOR STOU STRU SYST TYPE USER XCUP XCWD XMKD XPWD XRMD\r\n" +
		"214 End\r\n")
}

func (ses *Session) processLIST(args string) {
	// open the path in LIST mode
	ses.xferDir(args, dirent.List, true)
}

func (ses *Session) processMDTM(args string) {
	ses.setState(stateCommand, false, false)
	ses.sendStatement("502 Command not implemented\r\n")
}

func (ses *Session) processMKD(args string) {
	ses.setState(stateCommand, false, false)

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		return
	}

	if err := ses.fsys.Mkdir(path); err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.bridge.UpdateFreeSpace()
	ses.sendStatement("250 OK\r\n")
}

func (ses *Session) processMLSD(args string) {
	// open the path in MLSD mode
	ses.xferDir(args, dirent.Mlsd, false)
}

func (ses *Session) processMLST(args string) {
	// open the path in MLST mode
	ses.xferDir(args, dirent.Mlst, false)
}

func (ses *Session) processMODE(args string) {
	ses.setState(stateCommand, false, false)

	switch {
	case strings.EqualFold(args, "S"):
		ses.deflate = false
		ses.sendStatement("200 OK\r\n")
	case strings.EqualFold(args, "Z"):
		ses.deflate = true
		ses.sendStatement("200 OK\r\n")
	default:
		ses.sendStatement("504 Unavailable\r\n")
	}
}

func (ses *Session) processNLST(args string) {
	if strings.ContainsRune(args, '*') {
		ses.globList(args)
		return
	}

	ses.xferDir(args, dirent.Nlst, false)
}

func (ses *Session) processNOOP(args string) {
	ses.sendStatement("200 OK\r\n")
}

func (ses *Session) processOPTS(args string) {
	ses.setState(stateCommand, false, false)

	if strings.EqualFold(args, "UTF8") ||
		strings.EqualFold(args, "UTF8 ON") ||
		strings.EqualFold(args, "UTF8 NLST") {
		ses.sendStatement("200 OK\r\n")
		return
	}

	if len(args) > 5 && strings.EqualFold(args[:5], "MLST ") {
		ses.optsMLST(args[5:])
		return
	}

	if len(args) > 7 && strings.EqualFold(args[:7], "MODE Z ") {
		ses.optsModeZ(args[7:])
		return
	}

	ses.sendStatement("504 invalid argument\r\n")
}

func (ses *Session) optsMLST(list string) {
	ses.facts = dirent.Facts{}

	for _, fact := range strings.Split(list, ";") {
		switch {
		case strings.EqualFold(fact, "Type"):
			ses.facts.Type = true
		case strings.EqualFold(fact, "Size"):
			ses.facts.Size = true
		case strings.EqualFold(fact, "Modify"):
			ses.facts.Modify = true
		case strings.EqualFold(fact, "Perm"):
			ses.facts.Perm = true
		case strings.EqualFold(fact, "UNIX.mode"):
			ses.facts.UnixMode = true
		}
	}

	sep := ""
	if ses.facts.Any() {
		sep = " "
	}

	opt := func(on bool, name string) string {
		if on {
			return name + ";"
		}
		return ""
	}

	ses.sendStatementf("200 MLST OPTS%s%s%s%s%s%s\r\n",
		sep,
		opt(ses.facts.Type, "Type"),
		opt(ses.facts.Size, "Size"),
		opt(ses.facts.Modify, "Modify"),
		opt(ses.facts.Perm, "Perm"),
		opt(ses.facts.UnixMode, "UNIX.mode"))
}

func (ses *Session) optsModeZ(opts string) {
	level := -1

	words := strings.Fields(opts)
	for i := 0; i < len(words); i++ {
		if !strings.EqualFold(words[i], "LEVEL") || i+1 >= len(words) {
			ses.sendStatement("501 invalid argument\r\n")
			return
		}

		i++
		parsed, err := strconv.Atoi(words[i])
		if err != nil || parsed < 0 || parsed > 9 {
			ses.sendStatement("501 invalid argument\r\n")
			return
		}

		level = parsed
		if err := ses.cfg.SetDeflateLevel(level); err != nil {
			ses.sendStatement("501 invalid argument\r\n")
			return
		}
	}

	if level < 0 {
		ses.sendStatement("501 invalid argument\r\n")
		return
	}

	ses.sendStatementf("200 MODE Z LEVEL set to %d\r\n", level)
}

func (ses *Session) processPASS(args string) {
	ses.setState(stateCommand, false, false)

	ses.id.SetAuthorizedPass(false)

	user := ses.cfg.User()
	pass := ses.cfg.Pass()

	if user != "" && !ses.id.AuthorizedUser() {
		ses.sendStatement("430 User not authorized\r\n")
		return
	}

	if pass == "" || pass == args {
		ses.id.SetAuthorizedPass(true)
		ses.sendStatement("230 OK\r\n")
		return
	}

	ses.sendStatement("430 Invalid password\r\n")
}

func (ses *Session) processQUIT(args string) {
	ses.sendStatement("221 Disconnecting\r\n")
	ses.closeCommand()
}

func (ses *Session) processREST(args string) {
	ses.setState(stateCommand, false, false)

	if args == "" {
		ses.sendStatement("504 invalid argument\r\n")
		return
	}

	var pos int64
	for i := 0; i < len(args); i++ {
		c := args[i]
		if c < '0' || c > '9' || pos > (1<<62)/10 {
			ses.sendStatement("504 invalid argument\r\n")
			return
		}

		pos = pos*10 + int64(c-'0')
	}

	// set the restart offset
	ses.restartPosition = pos
	ses.sendStatement("350 OK\r\n")
}

func (ses *Session) processRETR(args string) {
	// open the file to retrieve
	ses.xferFile(args, xferRetr)
}

func (ses *Session) processRMD(args string) {
	ses.setState(stateCommand, false, false)

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		return
	}

	if err := ses.fsys.Rmdir(path); err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.bridge.UpdateFreeSpace()
	ses.sendStatement("250 OK\r\n")
}

func (ses *Session) processRNFR(args string) {
	ses.setState(stateCommand, false, false)

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		return
	}

	// make sure the path exists
	if _, err := ses.fsys.Lstat(path); err != nil {
		ses.sendStatementf("450 %s\r\n", err)
		return
	}

	// we are ready for RNTO
	ses.rename = path
	ses.sendStatement("350 OK\r\n")
}

func (ses *Session) processRNTO(args string) {
	ses.setState(stateCommand, false, false)

	// RNFR must come immediately before
	if ses.rename == "" {
		ses.sendStatement("503 Bad sequence of commands\r\n")
		return
	}

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.rename = ""
		ses.sendStatementf("554 %s\r\n", err)
		return
	}

	if err := ses.fsys.Rename(ses.rename, path); err != nil {
		ses.rename = ""
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	ses.rename = ""

	ses.bridge.UpdateFreeSpace()
	ses.sendStatement("250 OK\r\n")
}

func (ses *Session) processSITE(args string) {
	ses.setState(stateCommand, false, false)

	command, arg := splitCommand(args)

	if strings.EqualFold(command, "HELP") {
		ses.sendStatement("211-\r\n" +
			" Show this help: SITE HELP\r\n" +
			" Set username: SITE USER <NAME>\r\n" +
			" Set password: SITE PASS <PASS>\r\n" +
			" Set port: SITE PORT <PORT>\r\n" +
			" Set deflate level: SITE DEFLATE <LEVEL>\r\n" +
			" Set hostname: SITE HOST <HOSTNAME>\r\n" +
			" Set getMTime: SITE MTIME [0|1]\r\n" +
			" Save config: SITE SAVE\r\n" +
			"211 End\r\n")
		return
	}

	if !ses.authorized() {
		ses.sendStatement("530 Not logged in\r\n")
		return
	}

	switch {
	case strings.EqualFold(command, "USER"):
		ses.cfg.SetUser(arg)
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "PASS"):
		ses.cfg.SetPass(arg)
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "PORT"):
		if err := ses.cfg.SetPort(arg); err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			return
		}
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "DEFLATE"):
		level, err := strconv.Atoi(arg)
		if err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			return
		}
		if err := ses.cfg.SetDeflateLevel(level); err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			return
		}
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "HOST"):
		if err := ses.cfg.SetHostname(arg); err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			return
		}
		ses.bridge.SetMdnsHostname(arg)
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "MTIME"):
		switch arg {
		case "0":
			ses.cfg.SetGetMTime(false)
		case "1":
			ses.cfg.SetGetMTime(true)
		default:
			ses.sendStatement("550 invalid argument\r\n")
			return
		}
		ses.sendStatement("200 OK\r\n")

	case strings.EqualFold(command, "SAVE"):
		if err := ses.cfg.Save(); err != nil {
			ses.sendStatementf("550 %s\r\n", err)
			return
		}
		ses.sendStatement("200 OK\r\n")

	default:
		ses.sendStatement("550 Invalid command\r\n")
	}
}

func (ses *Session) processSIZE(args string) {
	ses.setState(stateCommand, false, false)

	path, err := ses.buildResolvedPath(ses.cwd, args)
	if err != nil {
		ses.sendStatementf("553 %s\r\n", err)
		return
	}

	if path == devZeroPath {
		ses.sendStatement("213 0\r\n")
		return
	}

	st, err := ses.fsys.Stat(path)
	if err != nil {
		ses.sendStatementf("550 %s\r\n", err)
		return
	}

	if !st.IsRegular() {
		ses.sendStatement("550 Not a file\r\n")
		return
	}

	ses.sendStatementf("213 %d\r\n", st.Size)
}

func (ses *Session) processSTAT(args string) {
	if ses.state == stateDataConnect {
		ses.sendStatement("211-FTP server status\r\n" +
			" Waiting for data connection\r\n" +
			"211 End\r\n")
		return
	}

	if ses.state == stateDataTransfer {
		ses.sendStatementf("211-FTP server status\r\n"+
			" Transferred %d bytes\r\n"+
			"211 End\r\n",
			ses.filePosition)
		return
	}

	if args == "" {
		uptime := time.Since(ses.bridge.StartTime())
		hours := int(uptime.Hours())
		minutes := int(uptime.Minutes()) % 60
		seconds := int(uptime.Seconds()) % 60

		ses.sendStatementf("211-FTP server status\r\n"+
			" Uptime: %02d:%02d:%02d\r\n"+
			" Free space: %s\r\n"+
			"211 End\r\n",
			hours, minutes, seconds,
			ses.bridge.FreeSpace())
		return
	}

	ses.xferDir(args, dirent.Stat, false)
}

func (ses *Session) processSTOR(args string) {
	// open the file to store
	ses.xferFile(args, xferStor)
}

func (ses *Session) processSTOU(args string) {
	ses.setState(stateCommand, false, false)
	ses.sendStatement("502 Command not implemented\r\n")
}

func (ses *Session) processSTRU(args string) {
	ses.setState(stateCommand, false, false)

	// we only support F (no structure) mode
	if strings.EqualFold(args, "F") {
		ses.sendStatement("200 OK\r\n")
		return
	}

	ses.sendStatement("504 Unavailable\r\n")
}

func (ses *Session) processSYST(args string) {
	ses.setState(stateCommand, false, false)
	ses.sendStatement("215 UNIX Type: L8\r\n")
}

func (ses *Session) processTYPE(args string) {
	ses.setState(stateCommand, false, false)

	// we always transfer in binary mode
	ses.sendStatement("200 OK\r\n")
}

func (ses *Session) processUSER(args string) {
	ses.setState(stateCommand, false, false)

	ses.id.SetAuthorizedUser(false)
	ses.id.SetUsername(args)

	user := ses.cfg.User()
	pass := ses.cfg.Pass()

	if user == "" || user == args {
		ses.id.SetAuthorizedUser(true)
		ses.id.SetAuthorizedPass(pass == "")

		if pass == "" {
			ses.sendStatement("230 OK\r\n")
			return
		}

		ses.sendStatement("331 Need password\r\n")
		return
	}

	log.WithFields(log.Fields{"ses": ses}).Warn("session::Session::processUSER rejected user")
	ses.sendStatement("430 Invalid user\r\n")
}

func (ses *Session) processPWD(args string) {
	response := `257 "` + ftppath.Encode(ses.cwd, true) + `"` + "\r\n"
	ses.sendStatement(response)
}
