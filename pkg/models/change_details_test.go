package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChangeDetails_MergeVariant(t *testing.T) {
	childID := uuid.New()
	in := &MergeDetails{
		Kind:          MergeKindLocation,
		SourceID:      uuid.New(),
		DestinationID: uuid.New(),
		Moved: []MovedChild{
			{Kind: ChildAgreement, ID: childID, Label: "Master Services"},
		},
	}

	raw, err := EncodeChangeDetails(in)
	require.NoError(t, err)

	out, err := DecodeChangeDetails(ActionMergeLocation, raw)
	require.NoError(t, err)

	merge, ok := out.(*MergeDetails)
	require.True(t, ok, "expected *MergeDetails, got %T", out)
	assert.Equal(t, ActionMergeLocation, merge.Action())
	require.Len(t, merge.Moved, 1)
	assert.Equal(t, childID, merge.Moved[0].ID)
}

func TestDecodeChangeDetails_KindDefaultsFromAction(t *testing.T) {
	out, err := DecodeChangeDetails(ActionMergeLocation, []byte(`{"moved":[]}`))
	require.NoError(t, err)
	assert.Equal(t, MergeKindLocation, out.(*MergeDetails).Kind)
}

func TestDecodeChangeDetails_GenericForCollaboratorActions(t *testing.T) {
	out, err := DecodeChangeDetails(ActionUploadContract, []byte(`{"file_name":"msa.pdf","pages":3}`))
	require.NoError(t, err)

	generic, ok := out.(*GenericDetails)
	require.True(t, ok)
	assert.Equal(t, ActionUploadContract, generic.Action())
	assert.Equal(t, "msa.pdf", generic.Values["file_name"])

	raw, err := EncodeChangeDetails(generic)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_name":"msa.pdf","pages":3}`, string(raw))
}

func TestDecodeChangeDetails_NullPayload(t *testing.T) {
	out, err := DecodeChangeDetails(ActionApplyScrapedField, []byte("null"))
	require.NoError(t, err)
	assert.Equal(t, ActionApplyScrapedField, out.Action())
}

func TestChangeLogFilters_EffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultChangeLogLimit, ChangeLogFilters{}.EffectiveLimit())
	assert.Equal(t, 10, ChangeLogFilters{Limit: 10}.EffectiveLimit())
	assert.Equal(t, MaxChangeLogLimit, ChangeLogFilters{Limit: 10_000}.EffectiveLimit())
}

func TestActionType_IsValid(t *testing.T) {
	assert.True(t, ActionMergeAccount.IsValid())
	assert.True(t, ActionCreateAgreement.IsValid())
	assert.False(t, ActionType("delete_everything").IsValid())
}
