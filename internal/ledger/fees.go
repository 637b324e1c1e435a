package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	xerrors "Reverso-Core/internal/errors"
)

// 渐进式手续费档位，基点计。界线取严格小于：
// 金额 < 1 个单位按 30bps，< 10 个单位按 50bps，其余按 70bps。
const (
	FeeBpsRetail   = 30
	FeeBpsStandard = 50
	FeeBpsWhale    = 70

	// InsurancePremiumBps 是可选保险的固定保费，计入独立保险池。
	InsurancePremiumBps = 20

	feeDenominator = 10000
)

var (
	oneUnit  = big.NewInt(params.Ether)
	tenUnits = new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))
)

// FeeQuote 是一次手续费试算的结果，供外部在提交前报价。
type FeeQuote struct {
	GrossAmount *big.Int `json:"gross_amount"`
	FeeBps      int64    `json:"fee_bps"`
	Fee         *big.Int `json:"fee"`
	Premium     *big.Int `json:"premium"`
	NetAmount   *big.Int `json:"net_amount"`
}

// FeeBps 返回给定总额适用的手续费档位。
func FeeBps(gross *big.Int) int64 {
	if gross.Cmp(oneUnit) < 0 {
		return FeeBpsRetail
	}
	if gross.Cmp(tenUnits) < 0 {
		return FeeBpsStandard
	}
	return FeeBpsWhale
}

// QuoteFee 计算手续费与保费的明细。只读，不触碰任何状态。
func QuoteFee(gross *big.Int, withInsurance bool) (FeeQuote, error) {
	if gross == nil || gross.Sign() <= 0 {
		return FeeQuote{}, xerrors.New(CodeTransferValidation, "转账金额必须为正数")
	}

	bps := FeeBps(gross)
	fee := mulBps(gross, bps)
	premium := big.NewInt(0)
	if withInsurance {
		premium = mulBps(gross, InsurancePremiumBps)
	}

	net := new(big.Int).Sub(gross, fee)
	net.Sub(net, premium)
	if net.Sign() <= 0 {
		return FeeQuote{}, xerrors.New(CodeTransferValidation, "转账金额过小，扣除费用后为零")
	}

	return FeeQuote{
		GrossAmount: new(big.Int).Set(gross),
		FeeBps:      bps,
		Fee:         fee,
		Premium:     premium,
		NetAmount:   net,
	}, nil
}

func mulBps(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Div(out, big.NewInt(feeDenominator))
}
