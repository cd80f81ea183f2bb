package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Launch a scan and follow it until it finishes",
	Long: `scan validates the target, probes it for reachability, launches the
scan on the backend and prints progress until a terminal status arrives.
CTRL+C stops following; the backend scan keeps running and is resumed by the
next serve or scan --resume.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("target", "t", "", "Target IPv4 address or CIDR (private ranges only)")
	scanCmd.Flags().String("type", string(model.ScanLight), "Scan type (light, medium, deep)")
	scanCmd.Flags().Bool("resume", false, "Follow the persisted session instead of starting a new one")
}

func runScan(cmd *cobra.Command, args []string) error {
	target, _ := cmd.Flags().GetString("target")
	typeStr, _ := cmd.Flags().GetString("type")
	resume, _ := cmd.Flags().GetBool("resume")

	var scanType model.ScanType
	if !resume {
		if target == "" {
			return fmt.Errorf("target is required (use --target or -t)")
		}
		if v := scan.ValidateTarget(target); !v.IsValid {
			return errors.New(v.Reason)
		}
		t, err := model.ParseScanType(typeStr)
		if err != nil {
			return err
		}
		scanType = t
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch := a.ctrl.Subscribe()
	defer a.ctrl.Unsubscribe(ch)

	var snap model.ScanSession
	if resume {
		snap, err = a.ctrl.Mount()
		if err != nil {
			return err
		}
		if snap.Status != model.StatusScanning {
			return fmt.Errorf("no scan to resume")
		}
	} else {
		if _, err := a.ctrl.Mount(); err != nil {
			return err
		}
		snap, err = a.ctrl.Start(ctx, target, scanType)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "[*] %s scan of %s (session %s)\n", snap.ScanType, snap.Target, snap.ID)

	last := -1.0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "[!] stopped following; the backend scan continues")
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			if s.ID != snap.ID {
				continue
			}
			if s.Progress != last && !s.Status.Terminal() {
				fmt.Fprintf(out, "[%5.1f%%] %s\n", s.Progress, s.Status)
				last = s.Progress
			}
			if s.Status.Terminal() {
				printSummary(out, s)
				if s.Status != model.StatusCompleted {
					return fmt.Errorf("scan %s: %s", s.Status, s.Message)
				}
				return nil
			}
		}
	}
}

func printSummary(w io.Writer, s model.ScanSession) {
	st := s.Statistics
	fmt.Fprintf(w, "[+] %s: %s\n", s.Status, s.Message)
	fmt.Fprintf(w, "    ports scanned: %d, open ports: %d, services: %d\n",
		st.PortsScanned, st.OpenPortsFound, st.ServicesFound)
	v := st.VulnerabilitiesFound
	fmt.Fprintf(w, "    vulnerabilities: %d critical, %d high, %d medium, %d low\n",
		v.Critical, v.High, v.Medium, v.Low)
	if s.Results != nil {
		for _, vuln := range s.Results.Vulnerabilities {
			fmt.Fprintf(w, "    - %-16s %-8s %s\n", vuln.CVEID, scan.SeverityBucket(vuln), vuln.Title)
		}
	}
}
