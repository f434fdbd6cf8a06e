// ABOUTME: integrity commands: scan for orphaned records and remap them by member name
// ABOUTME: Remap refuses ambiguous names and lists them for manual resolution

package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carelink/carelink-core/internal/gateway"
	"github.com/carelink/carelink-core/internal/store"
)

var integrityUser string

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Check and repair references between records and members",
}

var integrityScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List records whose member no longer exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		if _, err := login(ctx, gw, integrityUser); err != nil {
			return err
		}
		report, err := gw.IntegrityScan(ctx, gateway.NoArgs{})
		if err != nil {
			return err
		}
		if report.Total == 0 {
			fmt.Printf("%s No orphaned records.\n", successMark)
			return nil
		}

		fmt.Printf("%s %d orphaned records\n\n", warningMark, report.Total)
		tables := make([]string, 0, len(report.ByTable))
		for t := range report.ByTable {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			fmt.Printf("  %-16s %d\n", t, report.ByTable[t])
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tRECORD\tMISSING MEMBER")
		for _, o := range report.Orphans {
			fmt.Fprintf(w, "%s\t%d\t%d\n", o.Table, o.RecordID, o.MemberID)
		}
		return w.Flush()
	},
}

var remapNames string

var integrityRemapCmd = &cobra.Command{
	Use:   "remap",
	Short: "Reassign orphaned records to members with the same name",
	Long: `Reassigns orphaned records using the list of members as they were numbered before the
references broke: the first name in --names stood for member 1, the second for member 2, and so on.
An orphan moves only when exactly one current member has that exact first and last name.`,
	Example: `  carelink-core integrity remap --names "Jean Dupont,Marie Dupont,,Paul Martin"`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		identities, err := parseNames(remapNames)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		gw, _, logger, err := openGateway(ctx, false)
		if err != nil {
			return err
		}
		defer closeGateway(ctx, gw, logger)

		if _, err := login(ctx, gw, integrityUser); err != nil {
			return err
		}

		res, err := gw.IntegrityRemap(ctx, gateway.RemapArgs{Identities: identities})
		if err != nil && !errors.Is(err, store.ErrAmbiguousRepair) {
			return err
		}
		if res == nil {
			// Ambiguous: the partial result travels in the error details.
			if r, ok := gateway.DetailsOf(err).(*store.RemapResult); ok {
				res = r
			}
		}
		if res != nil {
			printRemap(res)
		}
		return err
	},
}

func init() {
	integrityCmd.PersistentFlags().StringVarP(&integrityUser, "user", "u", "", "username to log in as (prompted if empty)")
	integrityRemapCmd.Flags().StringVar(&remapNames, "names", "", `comma-separated "First Last" names in old member id order; leave a slot empty to skip an id`)
	_ = integrityRemapCmd.MarkFlagRequired("names")

	integrityCmd.AddCommand(integrityScanCmd)
	integrityCmd.AddCommand(integrityRemapCmd)
}

// parseNames splits "First Last,First Last" into identities. The last word is
// the last name. Empty slots keep their position.
func parseNames(s string) ([]store.Identity, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("--names is empty")
	}
	parts := strings.Split(s, ",")
	out := make([]store.Identity, len(parts))
	for i, p := range parts {
		fields := strings.Fields(p)
		switch len(fields) {
		case 0:
			continue
		case 1:
			return nil, fmt.Errorf("name %d (%q) needs a first and last name", i+1, strings.TrimSpace(p))
		}
		out[i] = store.Identity{
			FirstName: strings.Join(fields[:len(fields)-1], " "),
			LastName:  fields[len(fields)-1],
		}
	}
	return out, nil
}

func printRemap(res *store.RemapResult) {
	fmt.Printf("%s %d records remapped\n", successMark, len(res.Remapped))
	for _, r := range res.Remapped {
		fmt.Printf("  %s #%d: member %d -> %d\n", r.Table, r.RecordID, r.MemberID, r.NewMemberID)
	}
	if len(res.Ambiguous) > 0 {
		fmt.Printf("%s %d records match more than one member and were left alone\n", warningMark, len(res.Ambiguous))
		for _, a := range res.Ambiguous {
			fmt.Printf("  %s #%d: %s %s matches members %v\n",
				a.Orphan.Table, a.Orphan.RecordID, a.Identity.FirstName, a.Identity.LastName, a.Candidates)
		}
	}
	if len(res.Unresolved) > 0 {
		fmt.Printf("%s %d records have no matching member\n", failureMark, len(res.Unresolved))
	}
}
