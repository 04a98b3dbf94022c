// Package storetest is a conformance suite shared by every grant.Store implementation.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/jrsteele09/go-grant-server/grant"
	"github.com/jrsteele09/go-grant-server/internal/errors"
	"github.com/jrsteele09/go-grant-server/oauthmodel"
)

// Run executes the suite against stores built by newStore. newStore is called once per test.
func Run(t *testing.T, newStore func(t *testing.T) grant.Store) {
	suite.Run(t, &StoreSuite{newStore: newStore})
}

type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) grant.Store
	store    grant.Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.ctx = context.Background()
}

func (s *StoreSuite) codeGrant(clientID string) *grant.Grant {
	now := time.Now()
	code := uuid.NewString()
	g := grant.New(clientID, "user-1", &grant.AuthorizationCode{
		Code:                &grant.TokenRecord{Value: code, Kind: grant.KindAuthorizationCode, IssuedAt: now, ExpiresAt: now.Add(time.Minute)},
		OriginCode:          code,
		RedirectURI:         "https://app.example/cb",
		CodeChallengeMethod: oauthmodel.CodeMethodTypeS256,
	}, now, time.Hour)
	g.Scopes = []string{"openid", "profile"}
	g.AddAccessToken(&grant.TokenRecord{Value: "at-" + code, Kind: grant.KindAccessToken, IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	g.AddRefreshToken(&grant.TokenRecord{Value: "rt-" + code, Kind: grant.KindRefreshToken, IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour)})
	return g
}

func code(g *grant.Grant) string {
	v, _ := grant.VariantOf[*grant.AuthorizationCode](g)
	return v.OriginCode
}

func (s *StoreSuite) TestSaveAndFind() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	byCode, err := s.store.FindByCode(s.ctx, code(g))
	s.Require().NoError(err)
	s.Require().Equal(g.ID, byCode.ID)
	s.Require().Equal([]string{"openid", "profile"}, byCode.Scopes)
	v, ok := grant.VariantOf[*grant.AuthorizationCode](byCode)
	s.Require().True(ok)
	s.Require().Equal("https://app.example/cb", v.RedirectURI)

	byRefresh, err := s.store.FindByRefreshToken(s.ctx, "client-1", "rt-"+code(g))
	s.Require().NoError(err)
	s.Require().Equal(g.ID, byRefresh.ID)

	byAccess, err := s.store.FindByAccessToken(s.ctx, "at-"+code(g))
	s.Require().NoError(err)
	s.Require().Equal(g.ID, byAccess.ID)

	_, err = s.store.FindByCode(s.ctx, "nope")
	s.Require().True(errors.Is(err, errors.ErrNotFound))
}

func (s *StoreSuite) TestFindByRefreshTokenRejectsOtherClient() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	_, err := s.store.FindByRefreshToken(s.ctx, "client-2", "rt-"+code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))
}

func (s *StoreSuite) TestRemoveAuthorizationCodeKeepsGrant() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	removed, err := s.store.RemoveAuthorizationCode(s.ctx, code(g))
	s.Require().NoError(err)
	s.Require().True(removed)

	removed, err = s.store.RemoveAuthorizationCode(s.ctx, code(g))
	s.Require().NoError(err)
	s.Require().False(removed)

	_, err = s.store.FindByCode(s.ctx, code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))

	_, err = s.store.FindByAccessToken(s.ctx, "at-"+code(g))
	s.Require().NoError(err)
}

func (s *StoreSuite) TestRemoveAllByAuthorizationCodeAfterRedemption() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))
	_, err := s.store.RemoveAuthorizationCode(s.ctx, code(g))
	s.Require().NoError(err)

	s.Require().NoError(s.store.RemoveAllByAuthorizationCode(s.ctx, code(g)))

	_, err = s.store.FindByAccessToken(s.ctx, "at-"+code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))
	_, err = s.store.FindByRefreshToken(s.ctx, "client-1", "rt-"+code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))
}

func (s *StoreSuite) TestRemoveRefreshTokenIsSingleUseUnderConcurrency() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			removed, err := s.store.RemoveRefreshToken(s.ctx, "rt-"+code(g))
			if err == nil && removed {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Require().Equal(int32(1), successes.Load())
	_, err := s.store.FindByRefreshToken(s.ctx, "client-1", "rt-"+code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))
}

func (s *StoreSuite) TestRemoveRefreshTokenDropsRecord() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	removed, err := s.store.RemoveRefreshToken(s.ctx, "rt-"+code(g))
	s.Require().NoError(err)
	s.Require().True(removed)

	loaded, err := s.store.FindByAccessToken(s.ctx, "at-"+code(g))
	s.Require().NoError(err)
	s.Require().Empty(loaded.RefreshTokens)

	// Saving the loaded grant must not index the spent token again.
	s.Require().NoError(s.store.Save(s.ctx, loaded))
	_, err = s.store.FindByRefreshToken(s.ctx, "client-1", "rt-"+code(g))
	s.Require().True(errors.Is(err, errors.ErrNotFound))

	removed, err = s.store.RemoveRefreshToken(s.ctx, "rt-"+code(g))
	s.Require().NoError(err)
	s.Require().False(removed)
}

func (s *StoreSuite) TestSaveReindexes() {
	g := s.codeGrant("client-1")
	s.Require().NoError(s.store.Save(s.ctx, g))

	old := "rt-" + code(g)
	g.DropRefreshToken(old)
	now := time.Now()
	g.AddRefreshToken(&grant.TokenRecord{Value: "rt-new", Kind: grant.KindRefreshToken, IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	s.Require().NoError(s.store.Save(s.ctx, g))

	_, err := s.store.FindByRefreshToken(s.ctx, "client-1", old)
	s.Require().True(errors.Is(err, errors.ErrNotFound))
	found, err := s.store.FindByRefreshToken(s.ctx, "client-1", "rt-new")
	s.Require().NoError(err)
	s.Require().Len(found.RefreshTokens, 1)
}

func (s *StoreSuite) TestBackchannelIndexes() {
	now := time.Now()
	ciba := grant.New("client-1", "user-1", &grant.CIBA{AuthReqID: "req-1"}, now, time.Hour)
	device := grant.New("client-1", "user-1", &grant.DeviceCode{DeviceCode: "dev-1"}, now, time.Hour)
	s.Require().NoError(s.store.Save(s.ctx, ciba))
	s.Require().NoError(s.store.Save(s.ctx, device))

	got, err := s.store.FindByAuthReqID(s.ctx, "req-1")
	s.Require().NoError(err)
	s.Require().Equal(grant.TypeCIBA, got.Type())

	got, err = s.store.FindByDeviceCode(s.ctx, "dev-1")
	s.Require().NoError(err)
	s.Require().Equal(grant.TypeDeviceCode, got.Type())

	s.Require().NoError(s.store.RemoveGrant(s.ctx, device.ID))
	_, err = s.store.FindByDeviceCode(s.ctx, "dev-1")
	s.Require().True(errors.Is(err, errors.ErrNotFound))
}

func (s *StoreSuite) TestMarkAssertionUsed() {
	exp := time.Now().Add(time.Minute)
	first, err := s.store.MarkAssertionUsed(s.ctx, "jti-1", exp)
	s.Require().NoError(err)
	s.Require().True(first)

	again, err := s.store.MarkAssertionUsed(s.ctx, "jti-1", exp)
	s.Require().NoError(err)
	s.Require().False(again)
}
