package codec

import "github.com/tidwall/sjson"

func setString(json, path, value string) (string, error) {
	return sjson.Set(json, path, value)
}

func setInt(json, path string, value int) (string, error) {
	return sjson.Set(json, path, value)
}

func setRaw(json, path, rawValue string) (string, error) {
	return sjson.SetRaw(json, path, rawValue)
}

func appendRaw(arrayJSON, rawValue string) (string, error) {
	return sjson.SetRaw(arrayJSON, "-1", rawValue)
}
