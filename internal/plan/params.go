package plan

import (
	"fmt"

	"pkt.systems/paydist/internal/ledger"
)

// Input carries the run parameters as entered by the operator.
type Input struct {
	Network           string
	Token             string
	Treasury          string
	SubmitPayer       string
	TransferPayer     string
	Memo              string
	SubmitPayerKeys   []string
	TransferPayerKeys []string
	TreasuryKeys      []string
}

// Params are the parsed run parameters.
type Params struct {
	Network       string
	Token         ledger.TokenID
	Treasury      ledger.AccountID
	SubmitPayer   ledger.AccountID
	TransferPayer ledger.AccountID
	Memo          string
	Keys          *ledger.KeyRing
}

// Parse converts in into Params. Every problem is reported as an operator
// facing message; fields that failed to parse stay zero. Completeness is
// checked separately by Params.Validate.
func (in Input) Parse() (Params, []string) {
	var problems []string
	p := Params{Network: in.Network, Memo: in.Memo, Keys: ledger.NewKeyRing()}
	parseID := func(value, description string) ledger.EntityID {
		id, err := ledger.ParseEntityID(value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("Invalid %s: %v", description, err))
		}
		return id
	}
	p.Token = parseID(in.Token, "Token ID")
	p.SubmitPayer = parseID(in.SubmitPayer, "Submit Payer ID")
	p.TransferPayer = parseID(in.TransferPayer, "Transfer Payer ID")
	p.Treasury = parseID(in.Treasury, "Token Treasury ID")
	addKeys := func(role ledger.Role, values []string, description string) {
		for _, value := range values {
			if err := p.Keys.AddHex(role, value); err != nil {
				problems = append(problems, fmt.Sprintf("Invalid %s: %v", description, err))
				return
			}
		}
	}
	addKeys(ledger.RoleTreasury, in.TreasuryKeys, "Treasury Private Key")
	addKeys(ledger.RoleSubmitPayer, in.SubmitPayerKeys, "Scheduling Payer Private Key")
	addKeys(ledger.RoleTransferPayer, in.TransferPayerKeys, "Transfer Payer Private Key")
	return p, problems
}

// Validate reports parameters that make a run impossible.
func (p Params) Validate() []string {
	var problems []string
	if p.Network == "" {
		problems = append(problems, "A network must be selected.")
	}
	if p.Keys == nil || len(p.Keys.Keys(ledger.RoleSubmitPayer)) == 0 {
		problems = append(problems, "Must have at least one Scheduling Payer Key.")
	}
	return problems
}
