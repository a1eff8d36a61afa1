package service

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

// Settlement 交易结算结果，每个分类对应一个变体
//
// 只能由本包构造；持久化时只保存 Type() 的字符串
type Settlement interface {
	Type() model.SettlementType
	// ProjectID 交易归属的项目
	ProjectID() int64
	settlement()
}

// Paying 账单支付
type Paying struct {
	Invoice *model.Invoice
}

// Depositing 用户充值
type Depositing struct {
	User *model.User
}

// Withdrawing 系统账户向外部地址提币
type Withdrawing struct {
	Project *model.Project
	// Withdrawal 由出账队列发起时非空
	Withdrawal *model.Withdrawal
}

// Funding 向系统账户注资
type Funding struct {
	Project *model.Project
	Account *model.Account
}

// GasRecharging 系统账户向内部账户分发 gas
type GasRecharging struct {
	Project   *model.Project
	Recipient *model.Account
}

// DepositGathering 充值账户归集
type DepositGathering struct {
	User *model.User
}

// InvoiceGathering 部署账单合约完成归集
type InvoiceGathering struct {
	Invoice *model.Invoice
}

func (Paying) Type() model.SettlementType           { return model.SettlementTypePaying }
func (Depositing) Type() model.SettlementType       { return model.SettlementTypeDepositing }
func (Withdrawing) Type() model.SettlementType      { return model.SettlementTypeWithdrawal }
func (Funding) Type() model.SettlementType          { return model.SettlementTypeFunding }
func (GasRecharging) Type() model.SettlementType    { return model.SettlementTypeGasRecharging }
func (DepositGathering) Type() model.SettlementType { return model.SettlementTypeDepositGathering }
func (InvoiceGathering) Type() model.SettlementType { return model.SettlementTypeInvoiceGathering }

func (s Paying) ProjectID() int64           { return s.Invoice.ProjectID }
func (s Depositing) ProjectID() int64       { return s.User.ProjectID }
func (s Withdrawing) ProjectID() int64      { return s.Project.ID }
func (s Funding) ProjectID() int64          { return s.Project.ID }
func (s GasRecharging) ProjectID() int64    { return s.Project.ID }
func (s DepositGathering) ProjectID() int64 { return s.User.ProjectID }
func (s InvoiceGathering) ProjectID() int64 { return s.Invoice.ProjectID }

func (Paying) settlement()           {}
func (Depositing) settlement()       {}
func (Withdrawing) settlement()      {}
func (Funding) settlement()          {}
func (GasRecharging) settlement()    {}
func (DepositGathering) settlement() {}
func (InvoiceGathering) settlement() {}

// Movement 交易的实际代币转移
type Movement struct {
	Token *model.Token
	From  string
	To    string
	Value decimal.Decimal
}

// normalizeAddress 统一使用 EIP-55 校验和格式存储地址
func normalizeAddress(addr common.Address) string {
	return addr.Hex()
}

// normalizeHex 字符串地址转换为校验和格式，非法输入返回原值
func normalizeHex(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}
