package dataforseo

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

type postTask struct {
	LanguageCode       string `json:"language_code"`
	LocationCoordinate string `json:"location_coordinate"`
	Keyword            string `json:"keyword"`
	Priority           int    `json:"priority"`
}

type envelope struct {
	StatusCode    int       `json:"status_code"`
	StatusMessage string    `json:"status_message"`
	Tasks         []apiTask `json:"tasks"`
}

type apiTask struct {
	ID            string       `json:"id"`
	StatusCode    int          `json:"status_code"`
	StatusMessage string       `json:"status_message"`
	Result        []taskResult `json:"result"`
}

type taskResult struct {
	Items []json.RawMessage `json:"items"`
}

type mapsItem struct {
	PlaceID     string `json:"place_id"`
	Title       string `json:"title"`
	Address     string `json:"address"`
	AddressInfo struct {
		City string `json:"city"`
	} `json:"address_info"`
	Category  string  `json:"category"`
	URL       string  `json:"url"`
	CheckURL  string  `json:"check_url"`
	Phone     string  `json:"phone"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Rating    *struct {
		Value float64 `json:"value"`
	} `json:"rating"`
}

func decodeItem(raw json.RawMessage) (harvest.RawRecord, error) {
	var item mapsItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return harvest.RawRecord{}, fmt.Errorf("decode item: %w", err)
	}
	rec := harvest.RawRecord{
		ExternalID: item.PlaceID,
		Name:       item.Title,
		City:       item.AddressInfo.City,
		Address:    item.Address,
		Category:   item.Category,
		Website:    item.URL,
		MapsURL:    item.CheckURL,
		Phone:      item.Phone,
		Latitude:   item.Latitude,
		Longitude:  item.Longitude,
		Raw:        append(json.RawMessage(nil), raw...),
	}
	if item.Rating != nil {
		rec.Rating = item.Rating.Value
	}
	return rec, nil
}
