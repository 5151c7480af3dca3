package useraccess

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/modulith/go/internal/rpcutil"
)

// UserAccessService is the module's RPC surface.
var UserAccessService = rpcutil.Service{
	Name:    "modulith.useraccess.v1.UserAccessService",
	Methods: []string{"AddAdminUser", "ProvisionUserFromClaims", "GetUserByLogin", "GetUsers"},
}

// UserAccessApp defines what the service layer needs from the module
type UserAccessApp interface {
	AddAdminUser(ctx context.Context, cmd *AddAdminUser) (uuid.UUID, error)
	ProvisionUserFromClaims(ctx context.Context, cmd *ProvisionUserFromClaims) (ProvisionResult, error)
	GetUserByLogin(ctx context.Context, q GetUserByLogin) (UserDTO, error)
	GetUsers(ctx context.Context, q GetUsers) ([]UserDTO, error)
}

var _ UserAccessApp = (*Module)(nil)

// Service implements the UserAccessService Connect handlers
type Service struct {
	app UserAccessApp
}

func NewService(app UserAccessApp) *Service {
	return &Service{app: app}
}

type AddAdminUserResponse struct {
	CommandID uuid.UUID `json:"commandId"`
}

type GetUsersResponse struct {
	Users []UserDTO `json:"users"`
}

// Handler returns the mount path and handler for the service.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler, error) {
	if err := rpcutil.Register(UserAccessService); err != nil {
		return "", nil, err
	}

	svc := UserAccessService
	mux := http.NewServeMux()
	mux.Handle(svc.Procedure("AddAdminUser"), rpcutil.Unary(svc.Procedure("AddAdminUser"), s.AddAdminUser, opts...))
	mux.Handle(svc.Procedure("ProvisionUserFromClaims"), rpcutil.Unary(svc.Procedure("ProvisionUserFromClaims"), s.app.ProvisionUserFromClaims, opts...))
	mux.Handle(svc.Procedure("GetUserByLogin"), rpcutil.Unary(svc.Procedure("GetUserByLogin"), s.app.GetUserByLogin, opts...))
	mux.Handle(svc.Procedure("GetUsers"), rpcutil.Unary(svc.Procedure("GetUsers"), s.GetUsers, opts...))
	return svc.Path(), mux, nil
}

// AddAdminUser schedules an administrator for creation
func (s *Service) AddAdminUser(ctx context.Context, cmd *AddAdminUser) (AddAdminUserResponse, error) {
	id, err := s.app.AddAdminUser(ctx, cmd)
	if err != nil {
		return AddAdminUserResponse{}, err
	}
	return AddAdminUserResponse{CommandID: id}, nil
}

// GetUsers lists users page by page
func (s *Service) GetUsers(ctx context.Context, q GetUsers) (GetUsersResponse, error) {
	users, err := s.app.GetUsers(ctx, q)
	if err != nil {
		return GetUsersResponse{}, err
	}
	return GetUsersResponse{Users: users}, nil
}
