package conform

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// AutoConsent accepts every prompted transition without interaction.
func AutoConsent(reasons []string) bool { return true }

// DeclineConsent rejects every prompted transition. Useful for hosts that
// must never migrate implicitly, e.g. when run under a supervisor.
func DeclineConsent(reasons []string) bool { return false }

// TerminalConsent returns a ConsentFunc that lists the prompted reasons on
// stdout and reads a yes/no answer from stdin. Empty input counts as no.
func TerminalConsent() ConsentFunc {
	return func(reasons []string) bool {
		bold := color.New(color.Bold)
		bold.Println("The following database changes require consent:")
		fmt.Println()
		for _, reason := range reasons {
			fmt.Printf("  - %s\n", color.YellowString(reason))
		}
		fmt.Println()
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print("Apply these changes? [y/N] ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return false
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true
			case "", "n", "no":
				return false
			}
		}
	}
}
