package entity

type VisitCount struct {
	Count     int64  `json:"count"`
	ServedVia string `json:"served_via"`
}

type VisitRecorded struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ShardRequest struct {
	URL string `json:"url"`
}

type ShardList struct {
	Shards []string `json:"shards"`
}
