package service

import (
	"context"
	"encoding/json"

	"github.com/lestrrat-go/jwx/v2/jwk"

	id "clavis/pkg/domain"
	dErrors "clavis/pkg/domain-errors"
)

// JWKSDocument builds the RFC 7517 key set document for an application:
// the public halves of its active and in-grace retiring keys. Clients
// poll this endpoint, so it rides the same cache as VerificationKeys.
func (s *Service) JWKSDocument(ctx context.Context, appID id.ApplicationID) ([]byte, error) {
	keys, err := s.VerificationKeys(ctx, appID)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, vk := range keys {
		key, err := jwk.FromRaw(vk.Public)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not build JWK from public key")
		}
		if err := key.Set(jwk.KeyIDKey, vk.Kid.String()); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not set JWK key ID")
		}
		if err := key.Set(jwk.AlgorithmKey, string(vk.Algorithm)); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not set JWK algorithm")
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not set JWK usage")
		}
		if err := set.AddKey(key); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not assemble JWK set")
		}
	}

	doc, err := json.Marshal(set)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not serialize JWK set")
	}
	return doc, nil
}
