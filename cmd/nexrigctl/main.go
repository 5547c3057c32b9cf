package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dougsko/nexrigd/pkg/client"
)

var (
	socketPath = flag.String("socket", "/tmp/nexrigd.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'BAND:40m')")
	timeout    = flag.Duration("timeout", 5*time.Second, "Connect and response timeout")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	// If no command specified, show interactive help
	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	c := client.NewSocketClient(*socketPath)
	c.SetTimeout(*timeout)

	response, err := c.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", response.String())

	// Refusals exit 2 so scripts can tell them from connection failures
	if !response.Success {
		os.Exit(2)
	}
}

func showHelp() {
	fmt.Println("nexrigctl - nexrigd control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>       Unix socket path (default: /tmp/nexrigd.sock)")
	fmt.Println("  -cmd <command>       Command to send")
	fmt.Println("  -timeout <duration>  Connect and response timeout (default: 5s)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                        Get RF status")
	fmt.Println("  DIAG                          Get a full diagnostics snapshot")
	fmt.Println("  FREQUENCY:<hz>                Retune within the current band")
	fmt.Println("  BAND:<name>                   Switch band (160m ... 2m)")
	fmt.Println("  MODE:<mode>                   standby, rx, tx or calibrate")
	fmt.Println("  ANTENNA:<1-4>                 Select antenna port")
	fmt.Println("  POWER[:<watts>]               Get or set PA target power")
	fmt.Println("  ESTOP[:<reason>]              Emergency stop")
	fmt.Println("  RESET                         Clear an emergency once the fault is gone")
	fmt.Println("  LIMITS[:<key>=<value>,...]    Get or set protection limits")
	fmt.Println("  FAULTS[:<n>]                  Get recent faults")
	fmt.Println("  SNAPSHOT:save|restore|delete:<name>")
	fmt.Println("  SNAPSHOT:list                 Manage configuration snapshots")
	fmt.Println("  PING                          Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s BAND:40m\n", os.Args[0])
	fmt.Printf("  %s 'LIMITS:max_swr=2.5,max_temp_c=75'\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/nexrigd.sock\n")
}
