package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/server"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const (
	defaultConfig = "./config/config.yaml"
)

func Run() {
	if len(os.Args) == 1 {
		must(server.Run(defaultConfig))
		return
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		printHelp()
		return

	case "newpass", "np":
		if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: fort newpass <PASS>")
			os.Exit(2)
		}
		hash, err := HashAdminPass(os.Args[2])
		must(err)
		fmt.Println(hash)
		cmd.Infof("put the hash into admin.password_hash")

	case "purge", "pg":
		must(PurgeApps(defaultConfig))
		cmd.Infof("purge done.")

	case "purgelogs", "pl":
		if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: fort purgelogs <DATESPEC>")
			_, _ = fmt.Fprintln(os.Stderr, "  DATESPEC:")
			_, _ = fmt.Fprintln(os.Stderr, "    20250906-20251006   (inclusive range)")
			_, _ = fmt.Fprintln(os.Stderr, "    20250906,20250907   (comma list)")
			os.Exit(2)
		}
		must(PurgeLogs(defaultConfig, os.Args[2]))
		cmd.Infof("purge logs done.")

	default:
		must(server.Run(defaultConfig))
	}
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  fort                      # run the service
  fort newpass <PASS>       # print a bcrypt hash for admin.password_hash
  fort purge                # drop rules for programs gone from disk
  fort purgelogs <DATESPEC> # drop daily connection-log tables

DATESPEC:
  20250906-20251006         # range, inclusive
  20250906,20250907         # comma list

Examples:
  fort
  fort newpass secret
  fort purge
  fort purgelogs 20250906-20250920`)
}
