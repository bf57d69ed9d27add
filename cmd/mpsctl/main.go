// Command mpsctl is the inspection CLI for a running microps daemon: it
// queries the control surface's JSON endpoints and renders the result
// as a table.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
)

func main() {
	os.Exit(int(run()))
}

func run() ExitCode {
	rootCmd := &cobra.Command{
		Use:   "mpsctl",
		Short: "Inspect a running microps stack.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var addr string
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "http://127.0.0.1:7080", "control surface base address")

	rootCmd.AddCommand(
		newARPCmd(&addr),
		newRoutesCmd(&addr),
		newUDPCmd(&addr),
		newTCPCmd(&addr),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func fetchJSON(addr, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + path)
	if err != nil {
		return fmt.Errorf("querying %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s%s: unexpected status %s", addr, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type arpEntry struct {
	State     string `json:"state"`
	ProtoAddr string `json:"proto_addr"`
	HWAddr    string `json:"hw_addr"`
}

func newARPCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "arp",
		Short: "List the ARP cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []arpEntry
			if err := fetchJSON(*addr, "/arp", &entries); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"State", "IP", "HW Addr"})
			for _, e := range entries {
				table.Append([]string{e.State, e.ProtoAddr, e.HWAddr})
			}
			table.Render()
			return nil
		},
	}
}

type route struct {
	Network string `json:"network"`
	Netmask string `json:"netmask"`
	Nexthop string `json:"nexthop"`
	Iface   string `json:"iface"`
}

func newRoutesCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var routes []route
			if err := fetchJSON(*addr, "/routes", &routes); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Network", "Netmask", "Nexthop", "Interface"})
			for _, r := range routes {
				table.Append([]string{r.Network, r.Netmask, r.Nexthop, r.Iface})
			}
			table.Render()
			return nil
		},
	}
}

type udpSocket struct {
	ID        int    `json:"id"`
	LocalAddr string `json:"local_addr"`
	LocalPort uint16 `json:"local_port"`
	Queued    int    `json:"queued"`
}

func newUDPCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "udp",
		Short: "List open UDP sockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sockets []udpSocket
			if err := fetchJSON(*addr, "/udp", &sockets); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Local Addr", "Local Port", "Queued"})
			for _, s := range sockets {
				table.Append([]string{
					fmt.Sprintf("%d", s.ID),
					s.LocalAddr,
					fmt.Sprintf("%d", s.LocalPort),
					fmt.Sprintf("%d", s.Queued),
				})
			}
			table.Render()
			return nil
		},
	}
}

type tcpConn struct {
	ID          int    `json:"id"`
	LocalAddr   string `json:"local_addr"`
	LocalPort   uint16 `json:"local_port"`
	ForeignAddr string `json:"foreign_addr"`
	ForeignPort uint16 `json:"foreign_port"`
	State       string `json:"state"`
}

func newTCPCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tcp",
		Short: "List TCP connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var conns []tcpConn
			if err := fetchJSON(*addr, "/tcp", &conns); err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Local", "Foreign", "State"})
			for _, c := range conns {
				table.Append([]string{
					fmt.Sprintf("%d", c.ID),
					fmt.Sprintf("%s:%d", c.LocalAddr, c.LocalPort),
					fmt.Sprintf("%s:%d", c.ForeignAddr, c.ForeignPort),
					c.State,
				})
			}
			table.Render()
			return nil
		},
	}
}
