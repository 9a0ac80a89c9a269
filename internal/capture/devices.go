// ABOUTME: Capture device enumeration for the ffmpeg input formats
// ABOUTME: Parses /proc/asound/pcm, /dev/video* and ffmpeg -list_devices output
package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

// parseALSAPCM extracts capture-capable PCMs from /proc/asound/pcm.
// Lines look like "00-00: ALC3246 Analog : ALC3246 Analog : playback 1 : capture 1".
func parseALSAPCM(content string) []media.Device {
	var devices []media.Device

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		card, dev, ok := strings.Cut(line[:colon], "-")
		if !ok {
			continue
		}
		cardNum, err1 := strconv.Atoi(card)
		devNum, err2 := strconv.Atoi(dev)
		if err1 != nil || err2 != nil {
			continue
		}

		fields := strings.Split(line[colon+1:], " : ")
		capture := false
		for _, f := range fields[1:] {
			if strings.HasPrefix(strings.TrimSpace(f), "capture") {
				capture = true
			}
		}
		if !capture {
			continue
		}

		devices = append(devices, media.Device{
			ID:       fmt.Sprintf("hw:%d,%d", cardNum, devNum),
			Name:     strings.TrimSpace(fields[0]),
			Modality: media.Audio,
		})
	}
	return devices
}

// listV4L2 globs video nodes and labels them from sysfs when available
func listV4L2(devRoot, sysRoot string) ([]media.Device, error) {
	paths, err := filepath.Glob(filepath.Join(devRoot, "video*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]media.Device, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if data, err := os.ReadFile(filepath.Join(sysRoot, name, "name")); err == nil {
			name = strings.TrimSpace(string(data))
		}
		devices = append(devices, media.Device{ID: p, Name: name, Modality: media.Video})
	}
	return devices, nil
}

var (
	avfSection = regexp.MustCompile(`AVFoundation (video|audio) devices:`)
	avfDevice  = regexp.MustCompile(`\]\s+\[(\d+)\]\s+(.+)$`)
)

// parseAVFoundation parses "ffmpeg -f avfoundation -list_devices true -i ''"
func parseAVFoundation(output string, m media.Modality) []media.Device {
	var devices []media.Device
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if s := avfSection.FindStringSubmatch(line); s != nil {
			section = s[1]
			continue
		}
		if section != m.String() {
			continue
		}
		if d := avfDevice.FindStringSubmatch(line); d != nil {
			devices = append(devices, media.Device{ID: d[1], Name: strings.TrimSpace(d[2]), Modality: m})
		}
	}
	return devices
}

var (
	dshowTagged  = regexp.MustCompile(`\]\s+"(.+)"\s+\((video|audio|none)\)\s*$`)
	dshowSection = regexp.MustCompile(`DirectShow (video|audio) devices`)
	dshowPlain   = regexp.MustCompile(`\]\s+"(.+)"\s*$`)
)

// parseDShow parses "ffmpeg -list_devices true -f dshow -i dummy". Newer
// ffmpeg tags each device with its kind; older builds group them in sections.
func parseDShow(output string, m media.Modality) []media.Device {
	var devices []media.Device
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Alternative name") {
			continue
		}
		if d := dshowTagged.FindStringSubmatch(line); d != nil {
			if d[2] == m.String() {
				devices = append(devices, media.Device{ID: d[1], Name: d[1], Modality: m})
			}
			continue
		}
		if s := dshowSection.FindStringSubmatch(line); s != nil {
			section = s[1]
			continue
		}
		if section != m.String() {
			continue
		}
		if d := dshowPlain.FindStringSubmatch(line); d != nil {
			devices = append(devices, media.Device{ID: d[1], Name: d[1], Modality: m})
		}
	}
	return devices
}
