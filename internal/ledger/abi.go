package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, restricted to the functions and events the keeper uses.
var (
	lendingABI       abi.ABI
	subscriptionsABI abi.ABI
	poolABI          abi.ABI
	erc20ABI         abi.ABI
)

const loanEventInputs = `[
	{"name":"borrower","type":"address","indexed":true},
	{"name":"pool","type":"address","indexed":false},
	{"name":"nft","type":"address","indexed":false},
	{"name":"id","type":"uint256","indexed":false},
	{"name":"amount","type":"uint256","indexed":false}
]`

func init() {
	var err error

	lendingABI, err = abi.JSON(strings.NewReader(`[
		{"type":"function","name":"liquidate","stateMutability":"nonpayable",
		 "inputs":[{"name":"nft","type":"address"},{"name":"id","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"loanDeployed","stateMutability":"view",
		 "inputs":[{"name":"nft","type":"address"},{"name":"id","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"event","name":"Borrowed","anonymous":false,"inputs":` + loanEventInputs + `},
		{"type":"event","name":"Repaid","anonymous":false,"inputs":` + loanEventInputs + `},
		{"type":"event","name":"BorrowerLiquidated","anonymous":false,"inputs":` + loanEventInputs + `}
	]`))
	if err != nil {
		panic("ledger: parse lending ABI: " + err.Error())
	}

	subscriptionsABI, err = abi.JSON(strings.NewReader(`[
		{"type":"function","name":"executePurchaseOrder","stateMutability":"nonpayable",
		 "inputs":[{"name":"nonce","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"executeAdjustmentOrder","stateMutability":"nonpayable",
		 "inputs":[{"name":"nonce","type":"uint256"},{"name":"positionNonce","type":"uint256"},{"name":"auctionNonce","type":"uint256"}],
		 "outputs":[]},
		{"type":"function","name":"executeSellOrder","stateMutability":"nonpayable",
		 "inputs":[{"name":"nonce","type":"uint256"},{"name":"positionNonce","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"gasStored","stateMutability":"view",
		 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"tokensStored","stateMutability":"view",
		 "inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"event","name":"SubCreated","anonymous":false,"inputs":[
			{"name":"user","type":"address","indexed":true},
			{"name":"pool","type":"address","indexed":false},
			{"name":"nonce","type":"uint256","indexed":false},
			{"name":"token","type":"address","indexed":false},
			{"name":"tickets","type":"uint256[]","indexed":false},
			{"name":"amounts","type":"uint256[]","indexed":false},
			{"name":"lockEpochs","type":"uint256","indexed":false}]},
		{"type":"event","name":"PurchaseExecuted","anonymous":false,"inputs":[
			{"name":"user","type":"address","indexed":true},
			{"name":"pool","type":"address","indexed":false},
			{"name":"nonce","type":"uint256","indexed":false},
			{"name":"positionNonce","type":"uint256","indexed":false},
			{"name":"unlockEpoch","type":"uint256","indexed":false}]},
		{"type":"event","name":"AdjustmentExecuted","anonymous":false,"inputs":[
			{"name":"user","type":"address","indexed":true},
			{"name":"pool","type":"address","indexed":false},
			{"name":"nonce","type":"uint256","indexed":false},
			{"name":"positionNonce","type":"uint256","indexed":false},
			{"name":"auctionNonce","type":"uint256","indexed":false}]},
		{"type":"event","name":"SaleExecuted","anonymous":false,"inputs":[
			{"name":"user","type":"address","indexed":true},
			{"name":"pool","type":"address","indexed":false},
			{"name":"nonce","type":"uint256","indexed":false},
			{"name":"positionNonce","type":"uint256","indexed":false}]},
		{"type":"event","name":"SubCancelled","anonymous":false,"inputs":[
			{"name":"user","type":"address","indexed":true},
			{"name":"nonce","type":"uint256","indexed":false}]}
	]`))
	if err != nil {
		panic("ledger: parse subscriptions ABI: " + err.Error())
	}

	poolABI, err = abi.JSON(strings.NewReader(`[
		{"type":"function","name":"startTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"epochLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getPayoutPerReservation","stateMutability":"view",
		 "inputs":[{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"adjustmentsMade","stateMutability":"view",
		 "inputs":[{"name":"nonce","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"adjustmentsRequired","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"ticketLimit","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"getTicketInfo","stateMutability":"view",
		 "inputs":[{"name":"epoch","type":"uint256"},{"name":"ticket","type":"uint256"}],
		 "outputs":[{"name":"","type":"uint256"}]}
	]`))
	if err != nil {
		panic("ledger: parse pool ABI: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{"type":"function","name":"approve","stateMutability":"nonpayable",
		 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"transfer","stateMutability":"nonpayable",
		 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"allowance","stateMutability":"view",
		 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view",
		 "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`))
	if err != nil {
		panic("ledger: parse erc20 ABI: " + err.Error())
	}

	registerEvents()
}
