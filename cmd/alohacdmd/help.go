package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig       string
	flagListen       string
	flagInMemory     bool
	flagProvisioning bool
	flagDumpPSSH     string
	flagMakePSSH     bool
	flagTSID         uint32
	flagEMI          uint16
	flagSystemID     string
	flagHelp         bool
	flagVersion      bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "JSON configuration line")
	flag.StringVarP(&flagListen, "listen", "l", ":8100", "Bridge and metrics address")
	flag.BoolVarP(&flagInMemory, "in-memory", "", false, "Keep licenses in memory only")
	flag.BoolVarP(&flagProvisioning, "needs-provisioning", "", true, "Require provisioning of new vaults")

	flag.StringVarP(&flagDumpPSSH, "dump-pssh", "", "", "Print the contents of a pssh box file and exit")
	flag.BoolVarP(&flagMakePSSH, "make-pssh", "", false, "Write a stream session pssh box to stdout and exit")
	flag.Uint32VarP(&flagTSID, "tsid", "", 0, "Transport stream id for --make-pssh")
	flag.Uint16VarP(&flagEMI, "emi", "", 0, "Encryption method indicator for --make-pssh")
	flag.StringVarP(&flagSystemID, "system-session", "", "", "System session id for --make-pssh")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Content decryption key systems for connected devices

Usage: alohacdmd [OPTION]...

Configuration:
  -c, --config=JSON          Configuration line, e.g.
                               {"operatorvault":"/etc/op.vault","licensepath":"/var/lib/cdm"}
                               ALOHACDM_* environment variables override it
  -l, --listen=ADDR          Bridge and metrics address (default: :8100)
      --in-memory            Keep licenses in memory only
      --needs-provisioning   Require provisioning of new vaults (default: true)

Init data:
      --dump-pssh=FILE       Print the contents of a pssh box and exit
      --make-pssh            Write a stream session pssh box to stdout and exit
      --tsid=NUM             Transport stream id (default: 0)
      --emi=NUM              Encryption method indicator (default: 0)
      --system-session=ID    System session to descramble under
                               (default: the operator vault's session)

Miscellaneous:
  -h, --help                 Prints this help message and exits
  -v, --version              Prints version information and exits

Environment:
  LOGLEVEL                   Log level directives, e.g. "info,system=debug"

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	r.Printf("aloha")
	y.Printf("cdm")
	b.Println("d")
	fmt.Println(helpString)
}
