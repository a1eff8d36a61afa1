package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/blockchain"
	"github.com/gmfi-labs/gmfi-chain/internal/model"
	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// UserService 项目与终端用户，托管账户由 KeyManager 生成
type UserService struct {
	repos  *repository.Repositories
	keys   blockchain.KeyManager
	logger *zap.Logger
}

// NewUserService 创建用户服务
func NewUserService(repos *repository.Repositories, keys blockchain.KeyManager) *UserService {
	return &UserService{
		repos:  repos,
		keys:   keys,
		logger: logger.Named("user"),
	}
}

// CreateProjectRequest 创建项目请求
type CreateProjectRequest struct {
	Name              string
	CollectionAddress string
	Webhook           string
	PreNotify         bool
}

// CreateProject 创建项目及其系统账户，HMAC 密钥随机生成
func (s *UserService) CreateProject(ctx context.Context, req *CreateProjectRequest) (*model.Project, error) {
	if req.Name == "" {
		return nil, errors.New("project name is required")
	}

	var project *model.Project
	err := s.repos.WithTx(ctx, func(ctx context.Context) error {
		account, err := s.newAccount(ctx, nil)
		if err != nil {
			return err
		}
		project = &model.Project{
			Name:              req.Name,
			SystemAccountID:   account.ID,
			CollectionAddress: normalizeHex(req.CollectionAddress),
			Webhook:           req.Webhook,
			HMACKey:           randomKey(),
			PreNotify:         req.PreNotify,
			Active:            true,
		}
		if err := s.repos.Project.Create(ctx, project); err != nil {
			return err
		}
		account.ProjectID = &project.ID
		return s.repos.Account.SetProject(ctx, account.ID, project.ID)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create project %s", req.Name)
	}

	s.logger.Info("project created", zap.Int64("project_id", project.ID), zap.String("name", project.Name))
	return project, nil
}

// Ensure 获取用户，不存在则以新充值账户创建
func (s *UserService) Ensure(ctx context.Context, project *model.Project, uid string) (*model.User, error) {
	if uid == "" {
		return nil, errors.New("uid is required")
	}
	user, err := s.repos.User.GetByUID(ctx, project.ID, uid)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	err = s.repos.WithTx(ctx, func(ctx context.Context) error {
		account, err := s.newAccount(ctx, &project.ID)
		if err != nil {
			return err
		}
		user = &model.User{
			ProjectID:        project.ID,
			UID:              uid,
			DepositAccountID: account.ID,
		}
		return s.repos.User.Create(ctx, user)
	})
	if errors.Is(err, repository.ErrDuplicateUser) {
		// 并发创建，以已提交的为准
		return s.repos.User.GetByUID(ctx, project.ID, uid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create user %s", uid)
	}

	s.logger.Info("user created",
		zap.Int64("project_id", project.ID),
		zap.String("uid", uid),
		zap.Int64("user_id", user.ID))
	return user, nil
}

// DepositAddress 用户充值地址
func (s *UserService) DepositAddress(ctx context.Context, user *model.User) (string, error) {
	account, err := s.repos.Account.GetByID(ctx, user.DepositAccountID)
	if err != nil {
		return "", err
	}
	return account.Address, nil
}

func (s *UserService) newAccount(ctx context.Context, projectID *int64) (*model.Account, error) {
	address, key, err := s.keys.NewAccount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "generate account")
	}
	account := &model.Account{
		Address:      normalizeAddress(address),
		EncryptedKey: key,
		ProjectID:    projectID,
	}
	if err := s.repos.Account.Create(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
