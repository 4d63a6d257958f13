package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const futuresABIJSON = `[
  {"type":"function","name":"openPosition","stateMutability":"nonpayable",
   "inputs":[{"name":"collateral","type":"uint256"},{"name":"leverage","type":"uint256"},{"name":"isLong","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"closePosition","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"positions","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],
   "outputs":[{"name":"size","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"isLong","type":"bool"}]},
  {"type":"function","name":"getMarginRatio","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"liquidate","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"}],"outputs":[]},
  {"type":"event","name":"PositionOpened","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},{"name":"size","type":"uint256","indexed":false},
             {"name":"entryPrice","type":"uint256","indexed":false},{"name":"isLong","type":"bool","indexed":false}]}
]`

const oracleABIJSON = `[
  {"type":"function","name":"getPrice","stateMutability":"view",
   "inputs":[{"name":"domainId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"setPrice","stateMutability":"nonpayable",
   "inputs":[{"name":"domainId","type":"bytes32"},{"name":"price","type":"uint256"}],
   "outputs":[]}
]`

var (
	futuresABI = mustParseABI(futuresABIJSON)
	oracleABI  = mustParseABI(oracleABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
