package service

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
)

func decodeCursor(token string) (*alertdomain.Cursor, error) {
	raw, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, alertdomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(raw.ID))
	if err != nil {
		return nil, alertdomain.ErrInvalidPageToken
	}
	at, err := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	if err != nil {
		return nil, alertdomain.ErrInvalidPageToken
	}
	return &alertdomain.Cursor{LastTriggeredAt: at, ID: id}, nil
}

func paginate(rows []alertdomain.BillingAlert, limit int) ([]alertdomain.BillingAlert, pagination.PageInfo, error) {
	return pagination.BuildCursorPageInfo(rows, limit, func(alert alertdomain.BillingAlert) pagination.Cursor {
		return pagination.Cursor{
			ID:        alert.ID.String(),
			CreatedAt: alert.LastTriggeredAt.UTC().Format(time.RFC3339Nano),
		}
	})
}
