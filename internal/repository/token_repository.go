package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/gmfi-labs/gmfi-chain/internal/model"
)

var (
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenAddressNotFound = errors.New("token address not found")
	ErrDuplicateToken       = errors.New("duplicate token")
)

// TokenRepository 代币仓储接口
type TokenRepository interface {
	Create(ctx context.Context, token *model.Token) error
	GetByID(ctx context.Context, id int64) (*model.Token, error)
	GetBySymbol(ctx context.Context, symbol string) (*model.Token, error)
	// GetOrCreate 按代号获取，不存在则创建
	GetOrCreate(ctx context.Context, symbol string, decimals int32) (*model.Token, error)

	CreateAddress(ctx context.Context, addr *model.TokenAddress) error
	// GetByContract 按链上合约地址查找代币
	GetByContract(ctx context.Context, chainID int64, address string) (*model.Token, error)
	// GetContract 代币在某条链上的合约地址
	GetContract(ctx context.Context, chainID, tokenID int64) (string, error)
	IsContract(ctx context.Context, chainID int64, address string) (bool, error)
}

type tokenRepository struct {
	*Repository
}

// NewTokenRepository 创建代币仓储
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{Repository: NewRepository(db)}
}

func (r *tokenRepository) Create(ctx context.Context, token *model.Token) error {
	err := r.DB(ctx).Create(token).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateToken
	}
	return err
}

func (r *tokenRepository) GetByID(ctx context.Context, id int64) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).Where("id = ?", id).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) GetBySymbol(ctx context.Context, symbol string) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).Where("symbol = ?", symbol).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) GetOrCreate(ctx context.Context, symbol string, decimals int32) (*model.Token, error) {
	token, err := r.GetBySymbol(ctx, symbol)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, err
	}

	token = &model.Token{Symbol: symbol, Decimals: decimals, Valid: true}
	if err := r.Create(ctx, token); err != nil {
		// 并发创建
		if errors.Is(err, ErrDuplicateToken) {
			return r.GetBySymbol(ctx, symbol)
		}
		return nil, err
	}
	return token, nil
}

func (r *tokenRepository) CreateAddress(ctx context.Context, addr *model.TokenAddress) error {
	err := r.DB(ctx).Create(addr).Error
	if isDuplicateKeyError(err) {
		return ErrDuplicateToken
	}
	return err
}

func (r *tokenRepository) GetByContract(ctx context.Context, chainID int64, address string) (*model.Token, error) {
	var token model.Token
	err := r.DB(ctx).
		Joins("JOIN gmfi_token_addresses ta ON ta.token_id = gmfi_tokens.id").
		Where("ta.chain_id = ? AND ta.address = ?", chainID, address).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) GetContract(ctx context.Context, chainID, tokenID int64) (string, error) {
	var addr model.TokenAddress
	err := r.DB(ctx).Where("chain_id = ? AND token_id = ?", chainID, tokenID).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrTokenAddressNotFound
	}
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func (r *tokenRepository) IsContract(ctx context.Context, chainID int64, address string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.TokenAddress{}).
		Where("chain_id = ? AND address = ?", chainID, address).
		Count(&count).Error
	return count > 0, err
}
